package request

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/harun/tether/pkg/outbox"
)

// IdempotencyHeader carries the action id so the server can drop duplicates
// of an at-least-once delivery.
const IdempotencyHeader = "Idempotency-Key"

// ActionSender delivers outbox actions as POST /actions/{type}.
type ActionSender struct {
	gateway *Gateway
}

// NewActionSender adapts g to outbox.Sender.
func NewActionSender(g *Gateway) *ActionSender {
	return &ActionSender{gateway: g}
}

// Request builds the request that delivers action.
func (s *ActionSender) Request(action outbox.PendingAction) Request {
	header := http.Header{}
	header.Set(IdempotencyHeader, action.ID)
	return Request{
		Method: http.MethodPost,
		Path:   "/actions/" + url.PathEscape(action.ActionType),
		Header: header,
		Body:   action.Payload,
	}
}

// Send posts the action. Client errors other than 401 and 403 are reported
// as outbox.ErrRejected since resending the same payload cannot succeed.
func (s *ActionSender) Send(ctx context.Context, action outbox.PendingAction) error {
	_, err := s.gateway.Do(ctx, s.Request(action))
	if err == nil {
		return nil
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && !statusErr.Retryable &&
		statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 &&
		statusErr.StatusCode != http.StatusUnauthorized &&
		statusErr.StatusCode != http.StatusForbidden {
		return fmt.Errorf("%w: %w", outbox.ErrRejected, err)
	}
	return err
}
