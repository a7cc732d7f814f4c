package connection

import (
	"context"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/pkg/protocol"
)

// heartbeat pings the server every HeartbeatInterval until ctx is done or
// the socket drops.
func (m *Manager) heartbeat(ctx context.Context, conn *rpcConn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
		}

		rtt, err := m.ping(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			missed++
			m.logger.Debug().Err(err).Int("missed", missed).Msg("Heartbeat failed")
			if m.cfg.MaxMissedHeartbeats > 0 && missed >= m.cfg.MaxMissedHeartbeats {
				m.logger.Warn().Int("missed", missed).Msg("Heartbeat lost, dropping connection")
				conn.fail(errHeartbeatTimeout)
				return
			}
			continue
		}
		missed = 0

		m.mu.Lock()
		m.latency = rtt
		m.mu.Unlock()

		observability.RecordHeartbeatRTT(rtt)
		m.bus.Publish(TopicLatency, rtt)
	}
}

func (m *Manager) ping(ctx context.Context, conn *rpcConn) (time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
	defer cancel()

	start := time.Now()
	sentAt := m.cfg.Now()
	var pong protocol.Pong
	if err := conn.Call(callCtx, protocol.MethodPing, protocol.Ping{Timestamp: sentAt.UnixMilli()}, &pong); err != nil {
		return 0, err
	}
	rtt := time.Since(start)

	if pong.ServerTime > 0 {
		m.markGood(time.UnixMilli(pong.ServerTime))
	} else {
		m.markGood(sentAt)
	}
	return rtt, nil
}
