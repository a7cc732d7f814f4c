package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/tether/internal/config"
	"github.com/harun/tether/pkg/client"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage queued offline actions",
	Long: `Inspect and manage the durable outbox of actions written while offline.
Actions live in the client database under data_dir.`,
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions",
	Args:  cobra.NoArgs,
	RunE:  runOutboxList,
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Move a failed or dead action back to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxRetry,
}

var outboxEnqueueCmd = &cobra.Command{
	Use:   "enqueue <type> [json-payload]",
	Short: "Queue an action for the next flush",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runOutboxEnqueue,
}

var outboxFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send queued actions now",
	Args:  cobra.NoArgs,
	RunE:  runOutboxFlush,
}

func init() {
	outboxCmd.AddCommand(outboxListCmd, outboxRetryCmd, outboxEnqueueCmd, outboxFlushCmd)
	rootCmd.AddCommand(outboxCmd)
}

// withOutbox opens the local client database without connecting.
func withOutbox(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := openClient(ctx, cfg, cfg.Client.Credential, clientLogger(cfg))
	if err != nil {
		return err
	}
	if err := fn(ctx, c); err != nil {
		_ = c.Close()
		return err
	}
	return c.Close()
}

// clientLogger keeps one-shot commands quiet unless asked for debug output.
func clientLogger(cfg *config.Config) zerolog.Logger {
	if cfg.Logging.Level != "debug" {
		return zerolog.Nop()
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return zerolog.Nop()
	}
	return log.Zerolog()
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	return withOutbox(cmd, func(ctx context.Context, c *client.Client) error {
		actions, err := c.Outbox().ListAll(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(actions) == 0 {
			fmt.Fprintln(out, "Outbox is empty")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tRETRIES\tENQUEUED\tLAST ERROR")
		for _, a := range actions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				a.ID, a.ActionType, a.Status, a.RetryCount, a.EnqueuedAt.Format(time.RFC3339), a.LastError)
		}
		return w.Flush()
	})
}

func runOutboxRetry(cmd *cobra.Command, args []string) error {
	return withOutbox(cmd, func(ctx context.Context, c *client.Client) error {
		if err := c.Outbox().Retry(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to retry %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Action %s is pending again\n", args[0])
		return nil
	})
}

func runOutboxEnqueue(cmd *cobra.Command, args []string) error {
	payload := []byte("null")
	if len(args) == 2 {
		payload = []byte(args[1])
	}
	return withOutbox(cmd, func(ctx context.Context, c *client.Client) error {
		id, err := c.Outbox().Enqueue(ctx, args[0], payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runOutboxFlush(cmd *cobra.Command, args []string) error {
	return withOutbox(cmd, func(ctx context.Context, c *client.Client) error {
		res, err := c.Flush(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d synced=%d failed=%d dead=%d\n", res.Attempted, res.Synced, res.Failed, res.Dead)
		return nil
	})
}
