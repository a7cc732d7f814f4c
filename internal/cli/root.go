package cli

import (
	"fmt"

	"github.com/harun/tether/internal/config"
	"github.com/harun/tether/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether - session continuity for realtime clients",
	Long: `Tether keeps realtime clients attached to their sessions across network
drops. The server resumes sessions and replays missed room events; the client
reconnects with backoff and queues writes while offline.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tether/tether.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config file and applies an explicit --log-level.
func loadConfig(cmd *cobra.Command) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flag := cmd.Flags().Lookup("log-level"); flag != nil && flag.Changed {
		cfg.Logging.Level = logLevel
	}
	return loader, cfg, nil
}

// newLogger builds the process logger. Client commands log to stderr only.
func newLogger(cfg *config.Config, withFile bool) (*logger.Logger, error) {
	logCfg := logger.Config{
		Level:     cfg.Logging.Level,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	}
	if withFile {
		logCfg.File = cfg.Logging.File
	}
	return logger.New(logCfg)
}
