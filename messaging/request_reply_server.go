package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrListenerStopped is returned by WaitListening when the listener stopped
// before it started serving
var ErrListenerStopped = errors.New("messaging: listener stopped")

// ListenerState is the lifecycle state of an RpcListener
type ListenerState int32

const (
	ListenerIdle ListenerState = iota
	ListenerStarting
	ListenerListening
	ListenerStopping
	ListenerFailed
)

func (s ListenerState) String() string {
	switch s {
	case ListenerIdle:
		return "idle"
	case ListenerStarting:
		return "starting"
	case ListenerListening:
		return "listening"
	case ListenerStopping:
		return "stopping"
	case ListenerFailed:
		return "failed"
	default:
		return fmt.Sprintf("ListenerState(%d)", int32(s))
	}
}

// ListeningFunc handles one RPC request. from is the identity queue of the
// caller. The returned packet is sent back to callers expecting a reply; a
// returned error or a panic is sent back as a remote failure.
type ListeningFunc func(ctx context.Context, from string, request *contracts.RpcPacket) (*contracts.RpcPacket, error)

// ListenerOption configures an RpcListener
type ListenerOption func(*RpcListener)

// WithOnStarted sets the callback run once the listener serves its queue
func WithOnStarted(fn func()) ListenerOption {
	return func(l *RpcListener) {
		l.onStarted = fn
	}
}

// WithOnStopped sets the callback run after a requested stop
func WithOnStopped(fn func()) ListenerOption {
	return func(l *RpcListener) {
		l.onStopped = fn
	}
}

// WithOnFailed sets the callback run when the listener terminates on a fault,
// including a failed startup
func WithOnFailed(fn func(error)) ListenerOption {
	return func(l *RpcListener) {
		l.onFailed = fn
	}
}

// RpcListener serves RPC requests sent to the identity queue of a Service.
// At most one listener per queue serves at a time across all connections.
//
// Requests are handled one at a time on a dedicated goroutine. Callbacks run
// on that goroutine; they must not call Wait.
type RpcListener struct {
	svc     *Service
	queue   string
	handler ListeningFunc
	logger  zerolog.Logger

	onStarted func()
	onStopped func()
	onFailed  func(error)

	mu            sync.Mutex
	state         ListenerState
	sub           *rabbitmq.Subscription
	cancel        context.CancelFunc
	stopRequested bool
	err           error
	started       chan struct{}
	done          chan struct{}
}

func newRpcListener(svc *Service, handler ListeningFunc, options []ListenerOption) *RpcListener {
	l := &RpcListener{
		svc:     svc,
		queue:   svc.queueName,
		handler: handler,
		logger:  svc.logger.With().Str("queue", svc.queueName).Logger(),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	close(l.done)

	for _, opt := range options {
		opt(l)
	}
	return l
}

// QueueName returns the served queue
func (l *RpcListener) QueueName() string {
	return l.queue
}

// State returns the current lifecycle state
func (l *RpcListener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the fault that terminated the last run, if any
func (l *RpcListener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Done is closed when the current run has terminated
func (l *RpcListener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// StartListening starts serving on a new goroutine and returns immediately.
// Startup failures, such as another listener owning the queue, are reported
// through the failure callback and Err. Cancelling ctx stops the listener.
func (l *RpcListener) StartListening(ctx context.Context) error {
	if l.handler == nil {
		return errors.New("messaging: listener has no handler")
	}

	l.mu.Lock()
	switch l.state {
	case ListenerStarting, ListenerListening, ListenerStopping:
		l.mu.Unlock()
		return ErrListenerRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.stopRequested = false
	l.err = nil
	l.started = make(chan struct{})
	l.done = make(chan struct{})
	l.setStateLocked(ListenerStarting)
	done := l.done
	l.mu.Unlock()

	go l.run(runCtx, done)
	return nil
}

// StopListening requests the listener to stop and returns without waiting.
// It may be called from any goroutine, including from inside the handler,
// and more than once.
func (l *RpcListener) StopListening() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopRequested {
		return
	}
	switch l.state {
	case ListenerStarting, ListenerListening:
		l.stopRequested = true
		l.setStateLocked(ListenerStopping)
		l.cancel()
	}
}

// Close stops the listener; see StopListening
func (l *RpcListener) Close() error {
	l.StopListening()
	return nil
}

// Wait blocks until the current run terminates and returns its fault, if any
func (l *RpcListener) Wait() error {
	<-l.Done()
	return l.Err()
}

// WaitListening blocks until the listener serves its queue. It returns the
// startup fault, or ErrListenerStopped, when the run ended before that.
func (l *RpcListener) WaitListening(ctx context.Context) error {
	l.mu.Lock()
	started, done := l.started, l.done
	l.mu.Unlock()

	select {
	case <-started:
		return nil
	case <-done:
		select {
		case <-started:
			return nil
		default:
		}
		if err := l.Err(); err != nil {
			return err
		}
		return ErrListenerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *RpcListener) run(ctx context.Context, done chan struct{}) {
	err := l.serve(ctx)

	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	clean := err == nil || l.stopRequested || ctx.Err() != nil
	if clean {
		l.err = nil
		l.setStateLocked(ListenerIdle)
	} else {
		l.err = err
		l.setStateLocked(ListenerFailed)
	}
	l.cancel()
	l.mu.Unlock()

	if sub != nil {
		if cerr := sub.Close(); cerr != nil {
			l.logger.Debug().Err(cerr).Msg("failed to close listener channel")
		}
	}

	if clean {
		l.logger.Info().Msg("listener stopped")
		if l.onStopped != nil {
			l.onStopped()
		}
	} else {
		l.logger.Error().Err(err).Msg("listener failed")
		if l.onFailed != nil {
			l.onFailed(err)
		}
	}
	close(done)
}

func (l *RpcListener) serve(ctx context.Context) error {
	ch, err := l.svc.channel(l.queue)
	if err != nil {
		return err
	}

	if err := rabbitmq.DeclareListenerQueue(ch, l.queue); err != nil {
		_ = ch.Close()
		return l.startupError("declare", err)
	}

	sub, err := rabbitmq.Subscribe(ch, l.queue,
		rabbitmq.WithPrefetchCount(1),
		rabbitmq.WithExclusive(true),
		rabbitmq.WithConsumerTag(l.svc.consumerTag("listener")))
	if err != nil {
		_ = ch.Close()
		return l.startupError("consume", err)
	}

	l.mu.Lock()
	if l.stopRequested {
		l.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	l.sub = sub
	l.setStateLocked(ListenerListening)
	started := l.started
	l.mu.Unlock()

	l.logger.Info().Msg("listener started")
	if l.onStarted != nil {
		l.onStarted()
	}
	close(started)

	for {
		d, _, err := sub.Next(ctx, -1)
		if err != nil {
			return err
		}

		l.handle(ctx, sub, d)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (l *RpcListener) startupError(op string, err error) error {
	if rabbitmq.IsResourceLocked(err) || rabbitmq.IsAccessRefused(err) {
		return fmt.Errorf("%w: %s: %w", ErrListenerExists, l.queue, err)
	}
	return l.svc.transportError(op, l.queue, err)
}

func (l *RpcListener) handle(ctx context.Context, sub *rabbitmq.Subscription, d amqp.Delivery) {
	start := time.Now()
	logger := l.logger.With().Str("correlation_id", d.CorrelationId).Logger()

	var request contracts.TransportPacket
	if err := serialization.Unmarshal(d.Body, &request); err != nil {
		logger.Error().Err(err).Msg("dropping malformed request")
		if err := sub.Nack(d.DeliveryTag, false); err != nil {
			logger.Error().Err(err).Msg("failed to reject malformed request")
		}
		l.svc.metrics.RecordRequest(l.queue, OutcomeMalformed, time.Since(start))
		return
	}

	reply := l.invoke(ctx, &request)
	outcome := OutcomeOK
	if reply.Failed() {
		outcome = OutcomeHandlerError
		logger.Warn().Str("from", request.From).Str("error", reply.ErrorMessage).Msg("handler failed")
	}

	if d.ReplyTo != "" {
		l.reply(ctx, logger, sub, d, reply)
	}

	if err := sub.Ack(d.DeliveryTag); err != nil {
		logger.Error().Err(err).Msg("failed to ack request")
	}
	l.svc.metrics.RecordRequest(l.queue, outcome, time.Since(start))
}

func (l *RpcListener) invoke(ctx context.Context, request *contracts.TransportPacket) (reply *contracts.TransportPacket) {
	reply = &contracts.TransportPacket{From: l.queue}

	defer func() {
		if r := recover(); r != nil {
			reply.Body = nil
			reply.Error = true
			reply.ErrorMessage = fmt.Sprintf("panic: %v", r)
			reply.ErrorTrace = string(debug.Stack())
		}
	}()

	result, err := l.handler(ctx, request.From, request.Body)
	if err != nil {
		reply.Error = true
		reply.ErrorMessage = err.Error()
		reply.ErrorTrace = fmt.Sprintf("%T: %+v", err, err)
		return reply
	}
	reply.Body = result
	return reply
}

func (l *RpcListener) reply(ctx context.Context, logger zerolog.Logger, sub *rabbitmq.Subscription, d amqp.Delivery, reply *contracts.TransportPacket) {
	body, err := serialization.Marshal(reply)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode reply")
		body, err = serialization.Marshal(&contracts.TransportPacket{
			From:         l.queue,
			Error:        true,
			ErrorMessage: fmt.Sprintf("failed to encode reply: %v", err),
		})
		if err != nil {
			return
		}
	}

	msg := amqp.Publishing{
		ContentType:   serialization.ContentType,
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now(),
		Body:          body,
	}
	// the reply still goes out when the handler stopped the listener
	if err := rabbitmq.PublishOn(context.WithoutCancel(ctx), sub.Channel(), "", d.ReplyTo, msg); err != nil {
		logger.Error().Err(err).Str("reply_to", d.ReplyTo).Msg("failed to send reply")
	}
}

func (l *RpcListener) setStateLocked(state ListenerState) {
	l.state = state
	l.svc.metrics.SetListenerState(l.queue, state.String())
}
