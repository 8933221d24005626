package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tributarylabs/tributary/internal/core"
	"github.com/tributarylabs/tributary/internal/logging"
	"github.com/tributarylabs/tributary/internal/task"
)

var (
	adminActor  string
	adminReason string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts, capacity, and the top queued tasks",
	RunE:  runStatus,
}

var bumpCmd = &cobra.Command{
	Use:   "bump [task-id]",
	Short: "Start a queued task immediately through the audited overcap path",
	Args:  cobra.ExactArgs(1),
	RunE:  runBump,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var restartCmd = &cobra.Command{
	Use:   "restart [task-id]",
	Short: "Clone a terminal task into a fresh pending one",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestart,
}

var terminateCmd = &cobra.Command{
	Use:   "terminate [worker-id]",
	Short: "Cancel every task held by a worker and free its slots",
	Args:  cobra.ExactArgs(1),
	RunE:  runTerminate,
}

func init() {
	for _, cmd := range []*cobra.Command{bumpCmd, cancelCmd, restartCmd, terminateCmd} {
		cmd.Flags().StringVar(&adminActor, "actor", "", "who is performing the intervention (required)")
		cmd.Flags().StringVar(&adminReason, "reason", "", "why the intervention is needed (required)")
		cmd.MarkFlagRequired("actor")
		cmd.MarkFlagRequired("reason")
	}
}

// withCore runs fn against a core built over the configured store.
func withCore(cmd *cobra.Command, fn func(*core.Core) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging)
	defer log.Sync()

	c, cleanup, err := buildCore(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(c)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withCore(cmd, func(c *core.Core) error {
		snap, err := c.QueueStatus(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "capacity\t%d/%d slots active\n", snap.ActiveSlots, snap.MaxSlots)
		for _, st := range []task.Status{
			task.StatusPending, task.StatusQueued, task.StatusAssigned,
			task.StatusInProgress, task.StatusUnderReview, task.StatusValidationInProgress,
			task.StatusCompleted, task.StatusFailed, task.StatusCancelled,
		} {
			if n := snap.Counts[st]; n > 0 {
				fmt.Fprintf(w, "%s\t%d\n", st, n)
			}
		}
		w.Flush()

		if len(snap.TopQueued) == 0 {
			return nil
		}
		fmt.Println("\ntop queued:")
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTICKET\tPHASE\tPRIORITY\tSCORE\tDESCRIPTION")
		for _, t := range snap.TopQueued {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.3f\t%s\n",
				t.ID, t.TicketID, t.Phase, t.Priority, t.Score, t.Description)
		}
		return w.Flush()
	})
}

func runBump(cmd *cobra.Command, args []string) error {
	return withCore(cmd, func(c *core.Core) error {
		if err := c.BumpTask(cmd.Context(), args[0], adminActor, adminReason); err != nil {
			return err
		}
		fmt.Printf("task %s bump-started\n", args[0])
		return nil
	})
}

func runCancel(cmd *cobra.Command, args []string) error {
	return withCore(cmd, func(c *core.Core) error {
		err := c.CancelQueued(cmd.Context(), args[0], adminActor, adminReason)
		if core.IsIneligible(err) {
			err = c.CancelRunning(cmd.Context(), args[0], adminActor, adminReason)
		}
		if err != nil {
			return err
		}
		fmt.Printf("task %s cancelled\n", args[0])
		return nil
	})
}

func runRestart(cmd *cobra.Command, args []string) error {
	return withCore(cmd, func(c *core.Core) error {
		clone, err := c.RestartTerminal(cmd.Context(), args[0], adminActor, adminReason)
		if err != nil {
			return err
		}
		fmt.Printf("task %s restarted as %s\n", args[0], clone.ID)
		return nil
	})
}

func runTerminate(cmd *cobra.Command, args []string) error {
	return withCore(cmd, func(c *core.Core) error {
		n, err := c.TerminateWorker(cmd.Context(), args[0], adminActor, adminReason)
		if err != nil {
			return err
		}
		fmt.Printf("worker %s terminated, %d tasks cancelled\n", args[0], n)
		return nil
	})
}
