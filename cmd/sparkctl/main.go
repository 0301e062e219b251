package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/matheus3301/spark/internal/profile"
	"github.com/spf13/cobra"
)

var (
	profileFlag string
	jsonFlag    bool
)

var rootCmd = &cobra.Command{
	Use:           "sparkctl",
	Short:         "Inspect a running or stopped spark daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return profile.ValidateName(activeProfile())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides SPARK_PROFILE and the global default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
}

func activeProfile() string {
	return profile.Resolve(profileFlag)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
