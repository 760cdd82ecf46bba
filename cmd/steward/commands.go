package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/entrhq/steward/pkg/queue"
)

func newOnceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run one maintenance cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			return orch.Maintenance(cmd.Context())
		},
	}
}

func newNudgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "nudge <prompt>",
		Short: "Run an ad hoc cycle for a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptArg(args)
			if err != nil {
				return err
			}
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			return orch.Nudge(cmd.Context(), prompt)
		},
	}
}

func newProposeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "propose <prompt>",
		Short: "Ask for a suggestion and store it without touching the tree",
		Long: `propose asks the AI for a suggestion and stores it under the state
directory together with the current HEAD. It prints the proposal id, title,
summary and files as JSON; pass the id to "steward apply" once reviewed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptArg(args)
			if err != nil {
				return err
			}
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			sum, err := orch.Propose(cmd.Context(), prompt)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			return enc.Encode(sum)
		},
	}
}

func newApplyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <id>",
		Short: "Apply a stored proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			return orch.ApplyProposal(cmd.Context(), strings.TrimSpace(args[0]))
		},
	}
}

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <prompt>",
		Short: "Add a prompt to the queue for the next loop iteration",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptArg(args)
			if err != nil {
				return err
			}
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			path, err := queue.Enqueue(a.layout.QueueDir(), prompt)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newQueueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Process every queued prompt once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			p := a.processor(orch)
			if _, err := p.Recover(); err != nil {
				return err
			}
			stats, err := p.Drain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d job(s): %d completed, %d failed, %d skipped, %d invalid\n",
				stats.Total(), stats.Completed, stats.Failed, stats.Skipped, stats.Invalid)
			return nil
		},
	}
}

func newProposalsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "proposals",
		Short: "List stored proposals, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			list, err := a.store.List()
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				enc.SetEscapeHTML(false)
				return enc.Encode(list)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tBASE\tFILES\tTITLE")
			for _, p := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					p.ID, p.CreatedAt.UTC().Format("2006-01-02 15:04:05"), shortSHA(p.BaseSHA), len(p.Files), p.Suggestion.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print full proposals as JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "steward v%s\n", version)
		},
	}
}

// promptArg joins args so an unquoted prompt works too.
func promptArg(args []string) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return "", fmt.Errorf("prompt required")
	}
	return prompt, nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
