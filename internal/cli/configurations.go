package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"leadwatch/internal/model"
)

func (a *app) configurationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Aliases: []string{"configuration"},
		Short:   "Manage monitoring configurations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <owner_chat_id> <name>",
		Short: "Create a configuration notifying owner_chat_id",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q", args[0])
			}
			c, err := a.svc.CreateConfiguration(cmd.Context(), owner, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd, c)
			}
			cmd.Printf("Configuration #%d %q created.\n", c.ID, c.Name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list <owner_chat_id>",
		Short: "List the configurations of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q", args[0])
			}
			cs, err := a.svc.Configurations(cmd.Context(), owner)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd, cs)
			}
			if len(cs) == 0 {
				cmd.Println("No configurations.")
				return nil
			}
			for _, c := range cs {
				cmd.Printf("#%d %s\n", c.ID, c.Name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "attach <configuration_id> <link>",
		Short: "Monitor a source for a configuration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			src, err := a.svc.AttachSource(cmd.Context(), id, args[1])
			if src != nil {
				a.printSource(cmd, src)
			}
			return hint(err)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "detach <configuration_id> <source_id>",
		Short: "Stop monitoring a source for a configuration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgID, err := parseID(args[0])
			if err != nil {
				return err
			}
			srcID, err := parseID(args[1])
			if err != nil {
				return err
			}
			if err := a.svc.DetachSource(cmd.Context(), cfgID, srcID); err != nil {
				return err
			}
			cmd.Printf("Source #%d detached from configuration #%d.\n", srcID, cfgID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sources <configuration_id>",
		Short: "List the sources of a configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			srcs, err := a.svc.Sources(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd, srcs)
			}
			if len(srcs) == 0 {
				cmd.Println("No sources.")
				return nil
			}
			for i := range srcs {
				a.printSource(cmd, &srcs[i])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "owner <configuration_id>",
		Short: "Show the worker serving a configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			worker, ok, err := a.svc.OwnerOf(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !ok {
				cmd.Printf("Configuration #%d has no assigned worker.\n", id)
				return nil
			}
			cmd.Println(worker)
			return nil
		},
	})
	return cmd
}

func (a *app) keywordCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keyword",
		Aliases: []string{"kw"},
		Short:   "Manage include and exclude keywords",
	}

	var exclude bool
	add := &cobra.Command{
		Use:   "add <configuration_id> <text>",
		Short: "Add a keyword",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			kind := model.KeywordInclude
			if exclude {
				kind = model.KeywordExclude
			}
			kw, err := a.svc.AddKeyword(cmd.Context(), id, strings.Join(args[1:], " "), kind)
			if err != nil {
				return err
			}
			cmd.Printf("K%d %s (%s)\n", kw.ID, kw.Text, kw.Kind)
			return nil
		},
	}
	add.Flags().BoolVarP(&exclude, "exclude", "x", false, "reject messages containing the keyword")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "list <configuration_id>",
		Short: "List keywords",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			kws, err := a.svc.Keywords(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd, kws)
			}
			if len(kws) == 0 {
				cmd.Println("No keywords.")
				return nil
			}
			for _, kw := range kws {
				cmd.Printf("K%d %s (%s)\n", kw.ID, kw.Text, kw.Kind)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <keyword_id>",
		Short: "Remove a keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(strings.TrimPrefix(args[0], "K"))
			if err != nil {
				return err
			}
			if err := a.svc.RemoveKeyword(cmd.Context(), id); err != nil {
				return err
			}
			cmd.Printf("Keyword K%d removed.\n", id)
			return nil
		},
	})
	return cmd
}

func (a *app) filterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Manage filter expressions",
		Long: `Filters are expressions over words: "+" requires every term, "|"
requires any. "+" binds tighter, so "buy + flat | rent" reads as
(buy AND flat) OR rent. Every filter of a configuration must hold.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <configuration_id> <expression>",
		Short: "Add a filter",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			f, err := a.svc.AddFilter(cmd.Context(), id, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			cmd.Printf("F%d %s\n", f.ID, f.Expression)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list <configuration_id>",
		Short: "List filters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			fs, err := a.svc.Filters(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd, fs)
			}
			if len(fs) == 0 {
				cmd.Println("No filters.")
				return nil
			}
			for _, f := range fs {
				cmd.Printf("F%d %s\n", f.ID, f.Expression)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <filter_id>",
		Short: "Remove a filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(strings.TrimPrefix(args[0], "F"))
			if err != nil {
				return err
			}
			if err := a.svc.RemoveFilter(cmd.Context(), id); err != nil {
				return err
			}
			cmd.Printf("Filter F%d removed.\n", id)
			return nil
		},
	})
	return cmd
}

func (a *app) leadsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leads <configuration_id>",
		Short: "Show recent lead matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			leads, err := a.svc.Leads(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd, leads)
			}
			if len(leads) == 0 {
				cmd.Println("No leads yet.")
				return nil
			}
			for _, l := range leads {
				cmd.Printf("%s  %s  [%s]\n", l.CreatedAt.Format("2006-01-02 15:04"), l.Link, strings.Join(l.Keywords, ", "))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of leads")
	return cmd
}
