package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"task-lifecycle/internal/models"
)

func newExecuteAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute-all",
		Short: "Run every pending task through in_progress to completed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Service.ExecuteAllPending(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s: executed %d of %d task(s)\n", res.RunID, res.Executed, len(res.Outcomes))
			if len(res.Outcomes) == 0 {
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPRIORITY\tOUTCOME\tREASON")
			for _, o := range res.Outcomes {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", o.TaskID, o.Priority, o.Outcome, o.Reason)
			}
			return w.Flush()
		},
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history ID",
		Short: "Show a task's status history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Service.History(cmd.Context(), id)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSTATUS\tMESSAGE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05.000"), e.Status, e.Message)
			}
			return w.Flush()
		},
	}
}

func newTransitionCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "transition ID STATUS",
		Short: "Move a task to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tr, err := a.Service.ApplyTransition(cmd.Context(), id, models.Status(args[1]), message)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %d: %s -> %s\n", id, tr.From, tr.Task.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "note recorded in the history entry")
	return cmd
}
