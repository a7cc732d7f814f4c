package cli

import (
	"fmt"

	"github.com/harun/tether/pkg/gateway"
	"github.com/spf13/cobra"
)

var credentialCmd = &cobra.Command{
	Use:   "credential <user-id>",
	Short: "Sign a client credential with the shared secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredential,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tether version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tether version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(credentialCmd, versionCmd)
}

func runCredential(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Server.SharedSecret == "" {
		return fmt.Errorf("server.shared_secret is not configured")
	}
	fmt.Fprintln(cmd.OutOrStdout(), gateway.NewHMACVerifier(cfg.Server.SharedSecret).Sign(args[0]))
	return nil
}
