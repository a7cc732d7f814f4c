package cli

import (
	"errors"
	"fmt"

	"github.com/harun/tether/internal/config"
	"github.com/harun/tether/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the tether session server",
	Long: `Run the tether session server in the foreground.
The server accepts websocket clients on /ws, resumes dropped sessions and
replays missed room events. It stops on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	if err := d.WatchConfig(loader); err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		log.Zerolog().Warn().Err(err).Msg("Config hot reload disabled")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "tether serving on %s\n", d.Status().Addr)
	d.Wait()
	return nil
}
