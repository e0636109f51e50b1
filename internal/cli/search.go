package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"leadwatch/internal/model"
)

func (a *app) searchCommand() *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find public chats through a searcher worker",
		Long: `Queues a search for a searcher worker and waits for its answer. With
--async only the request id is printed; fetch the answer with poll.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			if async {
				id, err := a.svc.SubmitSearch(cmd.Context(), query)
				if err != nil {
					return hint(err)
				}
				cmd.Println(id)
				return nil
			}
			results, err := a.svc.Search(cmd.Context(), query)
			if err != nil {
				return hint(err)
			}
			return a.printResults(cmd, results)
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "print the request id without waiting")
	return cmd
}

func (a *app) pollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll <request_id>",
		Short: "Fetch the answer to a queued search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, ok, err := a.svc.PollSearch(cmd.Context(), args[0])
			if err != nil {
				return hint(err)
			}
			if !ok {
				cmd.Println("No answer yet.")
				return nil
			}
			if err := resp.Err(); err != nil {
				return err
			}
			return a.printResults(cmd, resp.Results)
		},
	}
}

func (a *app) printResults(cmd *cobra.Command, results []model.SearchResult) error {
	if a.jsonOut {
		if results == nil {
			results = []model.SearchResult{}
		}
		return a.printJSON(cmd, results)
	}
	if len(results) == 0 {
		cmd.Println("No chats found.")
		return nil
	}
	for i, r := range results {
		cmd.Printf("[%d] %s (%s)\n", i+1, r.Title, r.Type)
		cmd.Printf("    %s", r.Link)
		if r.Subscribers > 0 {
			cmd.Printf("  %d members", r.Subscribers)
		}
		cmd.Printf("  relevance %d\n", r.Relevance)
	}
	return nil
}
