package cli

import (
	"fmt"

	"github.com/harun/tether/internal/config"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up tether.
The wizard asks for the listen port, the shared secret used to sign
credentials, the server URL clients dial and the log level.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader, current, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	wizard := config.NewWizardWithIO(cmd.InOrStdin(), cmd.OutOrStdout())
	cfg, err := wizard.Run(current)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "\nYou can now start the server with: tether serve")

	return nil
}
