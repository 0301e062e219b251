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

func init() {
	rootCmd.AddCommand(keysCmd)
}

var keysCmd = &cobra.Command{
	Use:   "keys [prefix]",
	Short: "List persisted snapshot keys in spark.db",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := profile.DBPath(activeProfile())
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no database at %s", path)
		}
		db, err := store.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		keys, err := db.Keys(cmd.Context(), prefix)
		if err != nil {
			return err
		}
		if jsonFlag {
			return outputJSON(cmd.OutOrStdout(), keys)
		}
		return printKeys(cmd.OutOrStdout(), keys, time.Now())
	},
}

func printKeys(w io.Writer, keys []store.KeyInfo, now time.Time) error {
	if len(keys) == 0 {
		fmt.Fprintln(w, "No keys.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tUPDATED")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", k.Key, k.Size, ago(k.UpdatedAt, now))
	}
	return tw.Flush()
}
