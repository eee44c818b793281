package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"task-lifecycle/internal/lifecycle"
	"task-lifecycle/internal/models"
)

func newCreateCmd() *cobra.Command {
	var in lifecycle.NewTask
	var priority string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = args[0]
			in.Priority = models.Priority(priority)
			if !in.Priority.Valid() {
				return fmt.Errorf("priority must be one of high, medium, low")
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := a.Service.CreateTask(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created task %d\n", task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Type, "type", "generic", "task type")
	cmd.Flags().StringVar(&priority, "priority", string(models.PriorityMedium), "high, medium or low")
	cmd.Flags().StringVar(&in.Parameters, "params", "", "opaque task parameters")
	return cmd
}

func newListCmd() *cobra.Command {
	var status, priority, taskType string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.Service.ListTasks(cmd.Context(), lifecycle.TaskFilter{
				Status:   models.Status(status),
				Priority: models.Priority(priority),
				Type:     taskType,
			})
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tPRIORITY\tSTATUS\tUPDATED")
			for _, t := range tasks {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Name, t.Type, t.Priority, t.Status, t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	cmd.Flags().StringVar(&taskType, "type", "", "filter by type")
	return cmd
}
