package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/matheus3301/spark/internal/profile"
	"github.com/matheus3301/spark/internal/store"
	"github.com/spf13/cobra"
)

var (
	searchConversation string
	searchLimit        int
)

func init() {
	searchCmd.Flags().StringVar(&searchConversation, "conversation", "", "only search this conversation")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum number of results")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search archived messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := profile.DBPath(activeProfile())
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no message archive at %s", path)
		}
		db, err := store.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		results, err := db.SearchMessages(cmd.Context(), args[0], searchConversation, searchLimit)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		if jsonFlag {
			return outputJSON(cmd.OutOrStdout(), results)
		}
		return printSearch(cmd.OutOrStdout(), results)
	},
}

func printSearch(w io.Writer, results []store.SearchResult) error {
	if len(results) == 0 {
		fmt.Fprintln(w, "No matches.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tCONVERSATION\tFROM\tTEXT")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			r.Message.CreatedAt.Local().Format(time.DateTime),
			r.Message.ConversationID, r.Message.SenderID, r.Snippet)
	}
	return tw.Flush()
}
