package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"leadwatch/internal/model"
)

func (a *app) sourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Register monitored sources",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <link>",
		Short: "Register a source and assign it to a worker",
		Long: `Registers a chat by link (https://t.me/name, t.me/name, @name or an
invite link) and assigns it to the least loaded worker. Registering a
known link is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := a.svc.RegisterSource(cmd.Context(), args[0])
			if src != nil {
				a.printSource(cmd, src)
			}
			return hint(err)
		},
	})
	return cmd
}

func (a *app) printSource(cmd *cobra.Command, src *model.Source) {
	if a.jsonOut {
		_ = a.printJSON(cmd, src)
		return
	}
	owner := src.Owner
	if owner == "" {
		owner = "-"
	}
	cmd.Printf("#%d %s [%s] owner=%s\n", src.ID, src.DisplayName(), src.Status, owner)
}

func (a *app) assignCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <source_id>",
		Short: "Assign a source to the least loaded worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			res, err := a.svc.Assign(cmd.Context(), id)
			if err != nil {
				return hint(err)
			}
			if a.jsonOut {
				return a.printJSON(cmd, res)
			}
			switch {
			case !res.Changed:
				cmd.Printf("Source #%d already belongs to %s.\n", id, res.Worker)
			case res.Overloaded:
				cmd.Printf("Source #%d assigned to %s (all workers at capacity).\n", id, res.Worker)
			default:
				cmd.Printf("Source #%d assigned to %s.\n", id, res.Worker)
			}
			return nil
		},
	}
}

func (a *app) rebalanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebalance",
		Short: "Redistribute all active sources round-robin over the workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := a.svc.RebalanceAll(cmd.Context())
			if err != nil {
				return hint(err)
			}
			if a.jsonOut {
				return a.printJSON(cmd, report)
			}
			cmd.Printf("Rebalanced %d sources, %d moved.\n", report.Total, report.Changed)
			return nil
		},
	}
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-worker load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := a.svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd, stats)
			}
			if len(stats) == 0 {
				cmd.Println("No workers configured.")
				return nil
			}
			var sources, unreachable int
			for _, st := range stats {
				mark := ""
				if st.Overloaded {
					mark = " OVERLOADED"
				}
				cmd.Printf("%-12s %3d/%-3d %5.1f%%  joined=%d pending=%d unreachable=%d configurations=%d%s\n",
					st.Name, st.Sources, st.Capacity, st.LoadPercent,
					st.Joined, st.Pending, st.Unreachable, st.Configurations, mark)
				if len(st.UnreachableSources) > 0 {
					cmd.Printf("             unreachable sources: %v\n", st.UnreachableSources)
				}
				sources += st.Sources
				unreachable += st.Unreachable
			}
			cmd.Printf("total: %d sources, %d unreachable\n", sources, unreachable)
			return nil
		},
	}
}

func (a *app) reloadCommand() *cobra.Command {
	var (
		force  bool
		worker string
	)
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask workers to reconcile their sources now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.svc.TriggerReload(cmd.Context(), force, worker); err != nil {
				return hint(err)
			}
			target := "all workers"
			if worker != "" {
				target = worker
			}
			cmd.Printf("Reload sent to %s.\n", target)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "also retry unreachable sources")
	cmd.Flags().StringVarP(&worker, "worker", "w", "", "only reload this worker")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
