package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath      string
	flagMinRecords  int
	flagModelPath   string
	flagMetricsPath string
	flagBuildType   string
	flagLogLevel    string

	rootCmd = &cobra.Command{
		Use:   "node-sizer",
		Short: "Node Sizer - Predictive build resource sizing",
		Long: `Node Sizer predicts the memory a build will need from its change-set,
routes it to the smallest sufficient agent tier, measures what it actually
used and retrains the prediction model as measurements accumulate.`,
		SilenceUsage: true,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file path")
	pf.IntVar(&flagMinRecords, "min-records", 0, "records required before retraining")
	pf.StringVar(&flagModelPath, "model-path", "", "serving model artifact")
	pf.StringVar(&flagMetricsPath, "metrics-path", "", "training corpus CSV")
	pf.StringVar(&flagBuildType, "build-type", "", "build flavour (debug, release, prodRelease)")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// exitError carries a build's exit code through cobra
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("build exited with code %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
