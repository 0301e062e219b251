package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hako/durafmt"
	"github.com/matheus3301/spark/internal/kv"
	"github.com/matheus3301/spark/internal/model"
	"github.com/matheus3301/spark/internal/outbox"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List pending and failed outgoing messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context(), activeProfile())
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		snap, err := outbox.LoadSnapshot(cmd.Context(), st, "")
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		if jsonFlag {
			return outputJSON(cmd.OutOrStdout(), snap)
		}
		return printQueue(cmd.OutOrStdout(), snap, time.Now())
	},
}

func printQueue(w io.Writer, snap outbox.Snapshot, now time.Time) error {
	rate := 0.0
	if snap.Processed > 0 {
		rate = float64(snap.Successful) / float64(snap.Processed) * 100
	}
	fmt.Fprintf(w, "Processed: %d  Successful: %d  Failed: %d  Success rate: %.0f%%\n",
		snap.Processed, snap.Successful, snap.Failed, rate)

	if len(snap.Entries) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONVERSATION\tPRIORITY\tSTATE\tATTEMPTS\tNEXT\tERROR")
	for _, e := range snap.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			e.ID, e.Draft.ConversationID, e.Priority, e.State,
			e.Attempts, e.MaxAttempts, nextRetry(e, now), e.LastError)
	}
	return tw.Flush()
}

func nextRetry(e model.QueuedMessage, now time.Time) string {
	switch {
	case e.State == model.QueueFailed:
		return "-"
	case e.State == model.QueueProcessing:
		return "sending"
	case !e.NextRetryAt.After(now):
		return "now"
	}
	return "in " + durafmt.Parse(e.NextRetryAt.Sub(now).Round(time.Second)).LimitFirstN(2).String()
}
