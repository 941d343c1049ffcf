// Package bus carries protocol envelopes between agents. Each subscriber
// registers a handler table keyed by message type and receives matching
// envelopes on per-session delivery lanes: envelopes for one session arrive
// in publish order on a dedicated goroutine, while envelopes for other
// sessions (and messages carrying no session, which each open a fresh lane)
// are handled concurrently. One session's slow handler never stalls another
// session's queue.
package bus

import (
	"context"
	"fmt"
	"sync"

	"reflector/pkg/logx"
	"reflector/pkg/proto"
)

const laneBuffer = 32

// Handler processes one envelope. A returned error is reported through the
// bus's error channel; the subscriber keeps receiving subsequent envelopes.
type Handler func(ctx context.Context, env *proto.Envelope) error

// Recorder persists envelopes as they pass through the bus.
type Recorder interface {
	Record(env *proto.Envelope) error
}

// DeliveryError is a handler failure surfaced on the bus error channel.
type DeliveryError struct {
	SubscriberID string
	Envelope     *proto.Envelope
	Err          error
}

// lane is one subscriber's FIFO queue for a single session. Envelopes without
// a session id get a one-shot lane that retires after its only envelope.
type lane struct {
	key     string
	inbox   chan *proto.Envelope
	oneShot bool
}

type subscriber struct {
	id       string
	handlers map[proto.MsgType]Handler
	lanes    map[string]*lane
}

// Bus is an in-process publish/subscribe transport for envelopes.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	recorder    Recorder
	logger      *logx.Logger
	errCh       chan DeliveryError
	ctx         context.Context
	shutdown    chan struct{}
	wg          sync.WaitGroup
	running     bool
}

// New creates a bus. recorder may be nil.
func New(recorder Recorder) *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		recorder:    recorder,
		logger:      logx.NewLogger("bus"),
		errCh:       make(chan DeliveryError, 10),
		shutdown:    make(chan struct{}),
	}
}

// Subscribe registers an agent's handler table. Must be called before Start.
func (b *Bus) Subscribe(id string, handlers map[proto.MsgType]Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("cannot subscribe %q: bus already started", id)
	}
	if _, exists := b.subscribers[id]; exists {
		return fmt.Errorf("subscriber %q already registered", id)
	}
	if len(handlers) == 0 {
		return fmt.Errorf("subscriber %q registered no handlers", id)
	}

	b.subscribers[id] = &subscriber{
		id:       id,
		handlers: handlers,
		lanes:    make(map[string]*lane),
	}
	b.logger.Debug("Subscribed %s for %d message types", id, len(handlers))
	return nil
}

// Start opens the bus for publishing. Delivery goroutines are spawned lazily,
// one per active session lane.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bus is already running")
	}
	b.running = true
	b.ctx = ctx
	b.logger.Info("Bus started with %d subscribers", len(b.subscribers))
	return nil
}

// Stop drains delivery lanes. Envelopes already queued are still delivered;
// Publish fails once Stop begins. The error channel is closed once every
// lane has retired, so supervision loops ranging over Errors terminate.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	close(b.shutdown)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(b.errCh)
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Bus stopped")
		return nil
	case <-ctx.Done():
		b.logger.Warn("Bus stop timed out")
		return ctx.Err()
	}
}

// Publish validates env and enqueues it for every subscriber that handles its
// type, on the lane matching the envelope's session. Lane capacity for every
// matching subscriber is checked before anything is enqueued, so a full queue
// rejects the publish with no partial delivery.
func (b *Bus) Publish(env *proto.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("refusing invalid envelope: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return fmt.Errorf("bus is not running")
	}

	if b.recorder != nil {
		if err := b.recorder.Record(env); err != nil {
			b.logger.Warn("Failed to record envelope %s: %v", env.ID, err)
		}
	}

	type target struct {
		sub   *subscriber
		ln    *lane
		fresh bool
	}
	var targets []target
	for _, sub := range b.subscribers {
		if _, ok := sub.handlers[env.Type]; !ok {
			continue
		}
		ln, fresh := laneFor(sub, env)
		if !fresh && len(ln.inbox) == cap(ln.inbox) {
			return fmt.Errorf("delivery lane %q full for subscriber %q", ln.key, sub.id)
		}
		targets = append(targets, target{sub: sub, ln: ln, fresh: fresh})
	}

	for _, tg := range targets {
		if tg.fresh {
			tg.sub.lanes[tg.ln.key] = tg.ln
			b.wg.Add(1)
			go b.deliver(tg.sub, tg.ln)
		}
		tg.ln.inbox <- env
	}

	if len(targets) == 0 {
		b.logger.Warn("Envelope %s (%s) had no subscribers", env.ID, env.Type)
	}
	b.logger.Debug("Published %s (%s) from %s to %d subscribers", env.ID, env.Type, env.From, len(targets))
	return nil
}

// laneFor resolves the delivery lane for env within sub, creating (but not
// registering) a fresh one when none exists. Caller holds the bus mutex.
func laneFor(sub *subscriber, env *proto.Envelope) (*lane, bool) {
	key := env.SessionID()
	oneShot := key == ""
	if oneShot {
		key = env.ID
	}
	if ln, ok := sub.lanes[key]; ok {
		return ln, false
	}
	return &lane{
		key:     key,
		inbox:   make(chan *proto.Envelope, laneBuffer),
		oneShot: oneShot,
	}, true
}

// Errors exposes handler failures for supervision. The channel is closed by
// Stop once all queued envelopes have been delivered.
func (b *Bus) Errors() <-chan DeliveryError {
	return b.errCh
}

func (b *Bus) deliver(sub *subscriber, ln *lane) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.shutdown:
			// Drain what was queued before shutdown.
			for {
				select {
				case env := <-ln.inbox:
					b.dispatch(sub, env)
				default:
					return
				}
			}
		case env := <-ln.inbox:
			b.dispatch(sub, env)
			if ln.oneShot {
				b.retireLane(sub, ln.key)
				return
			}
		}
	}
}

func (b *Bus) retireLane(sub *subscriber, key string) {
	b.mu.Lock()
	delete(sub.lanes, key)
	b.mu.Unlock()
}

func (b *Bus) dispatch(sub *subscriber, env *proto.Envelope) {
	handler := sub.handlers[env.Type]
	if err := handler(b.ctx, env); err != nil {
		b.logger.Error("Subscriber %s failed on %s (%s): %v", sub.id, env.ID, env.Type, err)
		select {
		case b.errCh <- DeliveryError{SubscriberID: sub.id, Envelope: env, Err: err}:
		default:
			b.logger.Warn("Error channel full, dropping report for %s", env.ID)
		}
	}
}
