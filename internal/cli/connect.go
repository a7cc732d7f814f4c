package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/tether/pkg/connection"
	"github.com/harun/tether/pkg/outbox"
	"github.com/harun/tether/pkg/pubsub"
	"github.com/spf13/cobra"
)

var (
	connectRooms []string
	connectUser  string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a server and print room events",
	Long: `Connect to the configured server, join the given rooms and print every
room event, connection state change and resume outcome until interrupted.
Replayed events are marked as such.`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringSliceVar(&connectRooms, "room", nil, "room to join (repeatable)")
	connectCmd.Flags().StringVar(&connectUser, "user", "", "user id to sign a credential for with server.shared_secret")
	rootCmd.AddCommand(connectCmd)
}

// printer serializes output from bus handlers.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func runConnect(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	credential, err := resolveCredential(cfg, connectUser)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := openClient(ctx, cfg, credential, log.Zerolog())
	if err != nil {
		return err
	}
	defer c.Close()

	p := &printer{out: cmd.OutOrStdout()}
	reset := make(chan struct{}, 1)
	bus := c.Bus()

	subs := []*pubsub.Subscription{
		bus.Subscribe(connection.TopicState, func(payload interface{}) {
			if change, ok := payload.(connection.StateChange); ok {
				p.printf("state %s -> %s\n", change.From, change.To)
			}
		}),
		bus.Subscribe(connection.TopicRoomEvent, func(payload interface{}) {
			ev, ok := payload.(connection.RoomEvent)
			if !ok {
				return
			}
			marker := ""
			if ev.Replayed {
				marker = " (replayed)"
			}
			p.printf("%s %s %s %s%s\n", ev.Timestamp.Format(time.RFC3339Nano), ev.Room, ev.Event, string(ev.Data), marker)
		}),
		bus.Subscribe(connection.TopicResumed, func(payload interface{}) {
			if r, ok := payload.(connection.Resumed); ok {
				p.printf("resumed %s -> %s rooms=%v missed=%d\n", r.OldConnectionID, r.ConnectionID, r.Rooms, r.Missed)
			}
		}),
		bus.Subscribe(connection.TopicSessionReset, func(payload interface{}) {
			if r, ok := payload.(connection.SessionReset); ok {
				p.printf("session reset: %s\n", r.Reason)
			}
			select {
			case reset <- struct{}{}:
			default:
			}
		}),
		bus.Subscribe(outbox.TopicFlushed, func(payload interface{}) {
			if r, ok := payload.(outbox.FlushResult); ok && r.Attempted > 0 {
				p.printf("outbox flushed synced=%d failed=%d dead=%d\n", r.Synced, r.Failed, r.Dead)
			}
		}),
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	c.Connect(credential)
	if err := c.WaitConnected(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	joinAll := func() error {
		for _, room := range connectRooms {
			if err := c.JoinRoom(ctx, room); err != nil {
				return fmt.Errorf("failed to join %s: %w", room, err)
			}
			p.printf("joined %s\n", room)
		}
		return nil
	}
	if err := joinAll(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reset:
			// The old session's rooms are gone; join them again once connected.
			waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
			err := c.WaitConnected(waitCtx)
			cancel()
			if err == nil {
				if err := joinAll(); err != nil {
					p.printf("rejoin failed: %v\n", err)
				}
			}
		}
	}
}
