package rabbitmq

import (
	"context"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/linkmux/internal/bridge"
	"github.com/glimte/linkmux/internal/protocol"
)

// tagHeader carries the AMQP 1.0 delivery tag across the broker.
const tagHeader = "x-linkmux-delivery-tag"

// route splits a link address into exchange and routing key.
func route(address string) (exchange, key string) {
	switch {
	case strings.HasPrefix(address, "/exchange/"):
		rest := strings.TrimPrefix(address, "/exchange/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[:i], rest[i+1:]
		}
		return rest, ""
	case strings.HasPrefix(address, "/queue/"):
		return "", strings.TrimPrefix(address, "/queue/")
	default:
		return "", address
	}
}

// sender publishes a sender link's transfers with publisher confirms.
type sender struct {
	session    *session
	exchange   string
	routingKey string
}

func (s *sender) Send(ctx context.Context, tag, payload []byte, settled bool) (bridge.Outcome, error) {
	msg := amqp.Publishing{
		Headers:      amqp.Table{tagHeader: tag},
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	}

	ch := s.session.ch
	if settled {
		if err := ch.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, msg); err != nil {
			return bridge.Outcome{}, s.fail(err)
		}
		return bridge.Outcome{State: protocol.Accepted}, nil
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, s.routingKey, false, false, msg)
	if err != nil {
		return bridge.Outcome{}, s.fail(err)
	}
	// Channels outside confirm mode hand back no confirmation.
	if confirm == nil {
		return bridge.Outcome{State: protocol.Accepted}, nil
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.session.engine.opts.confirmTimeout)
		defer cancel()
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return bridge.Outcome{}, s.fail(err)
	}
	if !acked {
		return bridge.Outcome{
			State: protocol.Rejected,
			Error: &protocol.Error{
				Condition:   protocol.ConditionInternalError,
				Description: ErrPublishNotConfirmed.Error(),
			},
		}, nil
	}
	return bridge.Outcome{State: protocol.Accepted}, nil
}

func (s *sender) fail(err error) error {
	return s.session.engine.check(&PublishError{
		Exchange:   s.exchange,
		RoutingKey: s.routingKey,
		Err:        toProtocolError(err),
		Timestamp:  time.Now(),
	})
}

// Close is a no-op; the channel belongs to the session.
func (s *sender) Close(ctx context.Context) error { return nil }
