package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/spark/internal/daemon"
	"github.com/matheus3301/spark/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides SPARK_PROFILE and the global default)")
	debugFlag := flag.Bool("debug", false, "log at debug level")
	quietFlag := flag.Bool("quiet", false, "log to the profile log file only")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.NopLogger,
		daemon.Module(daemon.Params{Profile: name, Debug: *debugFlag, Quiet: *quietFlag}),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app.Run()
}
