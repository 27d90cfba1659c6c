package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wfunc/casefile/config"
	"github.com/wfunc/casefile/logger"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configDir string
	logLevel  string
}

// cfg is loaded before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "casefile",
	Short: "Mystery case workflow server",
	Long: "casefile runs the case lifecycle core: role coordination, evidence fabrication\n" +
		"and the score ledger, behind net/rpc and a websocket case event feed.",
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: loadRuntime,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.configDir, "config", ".", "Directory holding config.yaml and .env")
	f.StringVar(&rootFlags.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.Version = version
}

func loadRuntime(_ *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.LoadConfig(rootFlags.configDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if rootFlags.logLevel != "" {
		cfg.Log.Level = rootFlags.logLevel
	}
	if err := logger.Init(cfg.Log.Level); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	return nil
}

func main() {
	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
