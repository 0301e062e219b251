package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hako/durafmt"
	"github.com/matheus3301/spark/internal/kv"
	intsync "github.com/matheus3301/spark/internal/sync"
	"github.com/spf13/cobra"
)

var errorsFlag bool

func init() {
	syncCmd.Flags().BoolVar(&errorsFlag, "errors", false, "also list recorded sync errors")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Show per-conversation sync state and unresolved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context(), activeProfile())
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		state, err := intsync.LoadState(cmd.Context(), st, "")
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		if jsonFlag {
			return outputJSON(cmd.OutOrStdout(), state)
		}
		return printSync(cmd.OutOrStdout(), state, errorsFlag, time.Now())
	},
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return durafmt.Parse(now.Sub(t).Round(time.Second)).LimitFirstN(2).String() + " ago"
}

func printSync(w io.Writer, s intsync.State, withErrors bool, now time.Time) error {
	fmt.Fprintf(w, "Last full sync: %s\n", ago(s.LastSync, now))

	if len(s.Conversations) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CONVERSATION\tSTATUS\tUNREAD\tLAST MESSAGE\tLAST ATTEMPT")
		for _, c := range s.Conversations {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				c.ConversationID, c.SyncStatus, c.UnreadCount,
				ago(c.LastMessageTimestamp, now), ago(c.LastSyncAttempt, now))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "\nUnresolved conflicts: %d\n", len(s.Conflicts))
	for _, c := range s.Conflicts {
		fmt.Fprintf(w, "  %s in %s: local %q, server %q", c.MessageID, c.ConversationID, c.Local.Body.Text, c.Server.Body.Text)
		if c.PushError != "" {
			fmt.Fprintf(w, " (push failed: %s)", c.PushError)
		}
		fmt.Fprintln(w)
	}

	if withErrors {
		fmt.Fprintf(w, "\nErrors: %d\n", len(s.Errors))
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s %s %s: %s\n", ago(e.Timestamp, now), e.Type, e.ConversationID, e.Message)
		}
	}
	return nil
}
