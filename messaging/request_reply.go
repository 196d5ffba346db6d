package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// CallType selects whether CallRpc waits for a reply
type CallType int

const (
	// ExpectReply waits for the listener's reply
	ExpectReply CallType = iota
	// DoNotExpectReply returns as soon as the request is published
	DoNotExpectReply
)

func (t CallType) String() string {
	switch t {
	case ExpectReply:
		return "expect-reply"
	case DoNotExpectReply:
		return "fire-and-forget"
	default:
		return fmt.Sprintf("CallType(%d)", int(t))
	}
}

// CallRpc sends request to the listener serving target.
//
// Without a listener on target the call fails with ErrTargetUnreachable
// before anything is published; a fire-and-forget call only logs it.
// Fire-and-forget calls return a nil reply. Expect-reply calls wait up to the
// service RPC timeout for the reply carrying their correlation id and fail
// with ErrReplyTimeout otherwise. A handler failure on the listener side is
// returned as *RemoteError.
func (s *Service) CallRpc(ctx context.Context, target string, request *contracts.RpcPacket, callType CallType) (*contracts.RpcPacket, error) {
	start := time.Now()
	logger := s.logger.With().Str("target", target).Stringer("call_type", callType).Logger()

	reply, outcome, err := s.callRpc(ctx, logger, target, request, callType)
	s.metrics.RecordCall(target, outcome, time.Since(start))
	return reply, err
}

func (s *Service) callRpc(ctx context.Context, logger zerolog.Logger, target string, request *contracts.RpcPacket, callType CallType) (*contracts.RpcPacket, string, error) {
	exists, err := s.topology.InspectListener(ctx, target)
	if err != nil {
		return nil, OutcomeTransportError, s.transportError("inspect", target, err)
	}
	if !exists {
		if callType == DoNotExpectReply {
			logger.Warn().Msg("no listener on target queue, request dropped")
			return nil, OutcomeUnreachable, nil
		}
		return nil, OutcomeUnreachable, fmt.Errorf("%w: %s", ErrTargetUnreachable, target)
	}

	body, err := serialization.Marshal(&contracts.TransportPacket{From: s.queueName, Body: request})
	if err != nil {
		return nil, OutcomeTransportError, fmt.Errorf("failed to encode request for %s: %w", target, err)
	}

	msg := amqp.Publishing{
		ContentType: serialization.ContentType,
		Timestamp:   time.Now(),
		Body:        body,
	}

	if callType == DoNotExpectReply {
		if err := s.publisher.Publish(ctx, "", target, msg); err != nil {
			return nil, OutcomeTransportError, s.transportError("publish", target, err)
		}
		logger.Debug().Msg("request sent")
		return nil, OutcomeSent, nil
	}

	return s.callAndWait(ctx, logger, target, msg)
}

func (s *Service) callAndWait(ctx context.Context, logger zerolog.Logger, target string, msg amqp.Publishing) (*contracts.RpcPacket, string, error) {
	ch, err := s.channel(target)
	if err != nil {
		return nil, OutcomeTransportError, err
	}

	replyQueue, err := rabbitmq.DeclareReplyQueue(ch)
	if err != nil {
		_ = ch.Close()
		return nil, OutcomeTransportError, s.transportError("declare reply queue", target, err)
	}

	sub, err := rabbitmq.Subscribe(ch, replyQueue,
		rabbitmq.WithAutoAck(true),
		rabbitmq.WithExclusive(true),
		rabbitmq.WithConsumerTag(s.consumerTag("reply")))
	if err != nil {
		_ = ch.Close()
		return nil, OutcomeTransportError, s.transportError("consume", replyQueue, err)
	}
	defer sub.Close()

	correlationID := uuid.NewString()
	msg.ReplyTo = replyQueue
	msg.CorrelationId = correlationID
	logger = logger.With().Str("correlation_id", correlationID).Logger()

	if err := rabbitmq.PublishOn(ctx, ch, "", target, msg); err != nil {
		return nil, OutcomeTransportError, s.transportError("publish", target, err)
	}
	logger.Debug().Msg("request sent, waiting for reply")

	deadline := time.Now().Add(s.rpcTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, OutcomeTimeout, fmt.Errorf("%w: %s after %s", ErrReplyTimeout, target, s.rpcTimeout)
		}

		d, ok, err := sub.Next(ctx, remaining)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, OutcomeTimeout, err
		case err != nil:
			return nil, OutcomeTransportError, s.transportError("receive reply", replyQueue, err)
		case !ok:
			return nil, OutcomeTimeout, fmt.Errorf("%w: %s after %s", ErrReplyTimeout, target, s.rpcTimeout)
		}

		if d.CorrelationId != correlationID {
			logger.Warn().Str("received_correlation_id", d.CorrelationId).Msg("skipping reply with unexpected correlation id")
			continue
		}

		var reply contracts.TransportPacket
		if err := serialization.Unmarshal(d.Body, &reply); err != nil {
			return nil, OutcomeTransportError, s.transportError("decode reply", replyQueue, err)
		}

		if reply.Failed() {
			logger.Debug().Str("error", reply.ErrorMessage).Msg("remote handler failed")
			return nil, OutcomeRemoteError, &RemoteError{
				Target:  target,
				Message: reply.ErrorMessage,
				Trace:   reply.ErrorTrace,
			}
		}

		logger.Debug().Msg("reply received")
		return reply.Body, OutcomeOK, nil
	}
}
