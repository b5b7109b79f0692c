// Package eventbus implements the EventBus and per-session rooms
// (spec.md §4.7): reference-counted subscribe/unsubscribe, FIFO fan-out to
// all current subscribers of a session, and bounded per-subscriber
// outbound queues that disconnect a slow client rather than block the
// publisher. Grounded on the teacher's internal/event package, which
// layers its own direct-call subscriber bookkeeping over a watermill
// gochannel transport "for potential future middleware/routing" — this
// keeps that same split: watermill gochannel carries events from Publish
// into each room, while this package owns ref-counting, per-client
// bounded queues, and Slow disconnection, none of which the teacher's
// single global bus needed (it has no per-room client or backpressure
// concept at all).
package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/sessionhost/internal/logging"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

var log = logging.Named("eventbus")

// DisconnectReason explains why a subscription was force-closed.
type DisconnectReason string

// Slow is the only disconnect reason today: the subscriber's bounded
// outbound queue overflowed (spec.md §4.7 backpressure).
const Slow DisconnectReason = "Slow"

// Subscription is returned by Subscribe. Events delivers SessionEvents for
// the subscribed session in emission order; Disconnected fires at most
// once, with the reason, if the bus force-closes this subscription.
type Subscription struct {
	Events       <-chan types.SessionEvent
	Disconnected <-chan DisconnectReason
}

// Bus is the event bus: one room per session, subscriber membership
// reference-counted per (clientId, sessionId).
type Bus struct {
	outboundQueueSize int

	mu     sync.Mutex
	rooms  map[string]*room
	pubsub *gochannel.GoChannel
}

// New constructs a Bus. outboundQueueSize bounds each subscriber's pending
// event queue (spec.md §6.4 subscriberOutboundQueue, default 1024).
func New(outboundQueueSize int) *Bus {
	if outboundQueueSize <= 0 {
		outboundQueueSize = 1024
	}
	return &Bus{
		outboundQueueSize: outboundQueueSize,
		rooms:             make(map[string]*room),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: int64(outboundQueueSize)},
			watermill.NopLogger{},
		),
	}
}

// Subscribe joins clientId to sessionId's room, reference-counted: the
// first subscribe for a given (clientId, sessionId) performs the real
// room join (starting the room's fan-out goroutine if this is the room's
// first member at all); subsequent calls for the same pair only increment
// the ref count and return the same underlying channels. Reconnection is
// idempotent for exactly this reason (spec.md §4.7).
func (b *Bus) Subscribe(clientID, sessionID string) (Subscription, error) {
	b.mu.Lock()
	r, ok := b.rooms[sessionID]
	if !ok {
		r = newRoom(sessionID, b)
		b.rooms[sessionID] = r
	}
	b.mu.Unlock()

	return r.join(clientID, b.outboundQueueSize)
}

// Unsubscribe decrements clientId's ref count in sessionId's room. The
// last unsubscribe for that client closes its queue and leaves the room;
// once the room is empty of all clients it is torn down.
func (b *Bus) Unsubscribe(clientID, sessionID string) {
	b.mu.Lock()
	r, ok := b.rooms[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}

	if r.leave(clientID) {
		b.mu.Lock()
		if r.empty() {
			delete(b.rooms, sessionID)
		}
		b.mu.Unlock()
	}
}

// Publish fans event out to every current subscriber of event.Context.SessionID.
// Delivery to each subscriber is FIFO; a subscriber whose queue is full is
// disconnected with Slow rather than blocking this call (spec.md §4.7).
func (b *Bus) Publish(event types.SessionEvent) error {
	b.mu.Lock()
	r, ok := b.rooms[event.Context.SessionID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pubsub.Publish(event.Context.SessionID, msg)
}

// Close tears down every room and the underlying transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	for id, r := range b.rooms {
		r.closeAll()
		delete(b.rooms, id)
	}
	b.mu.Unlock()
	return b.pubsub.Close()
}

// room is one session's subscriber set, fed by one watermill subscription
// on topic=sessionID.
type room struct {
	sessionID string

	mu          sync.Mutex
	subscribers map[string]*clientSub
	cancel      context.CancelFunc
}

type clientSub struct {
	refCount     int
	events       chan types.SessionEvent
	disconnected chan DisconnectReason
	closeOnce    sync.Once
}

func newRoom(sessionID string, bus *Bus) *room {
	r := &room{sessionID: sessionID, subscribers: make(map[string]*clientSub)}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	msgs, err := bus.pubsub.Subscribe(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to subscribe room to transport")
		return r
	}
	go r.fanOut(msgs)
	return r
}

func (r *room) fanOut(msgs <-chan *message.Message) {
	for msg := range msgs {
		var event types.SessionEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			log.Warn().Err(err).Str("sessionId", r.sessionID).Msg("dropping malformed event on fan-out")
			msg.Ack()
			continue
		}

		r.mu.Lock()
		subs := make(map[string]*clientSub, len(r.subscribers))
		for id, s := range r.subscribers {
			subs[id] = s
		}
		r.mu.Unlock()

		for id, s := range subs {
			select {
			case s.events <- event:
			default:
				r.disconnectSlow(id, s)
			}
		}
		msg.Ack()
	}
}

// disconnectSlow closes a subscriber whose queue overflowed and removes it
// from the room so the fan-out loop never sends on its now-closed channel
// again.
func (r *room) disconnectSlow(clientID string, s *clientSub) {
	s.closeOnce.Do(func() {
		r.mu.Lock()
		if current, ok := r.subscribers[clientID]; ok && current == s {
			delete(r.subscribers, clientID)
		}
		r.mu.Unlock()

		select {
		case s.disconnected <- Slow:
		default:
		}
		close(s.disconnected)
		close(s.events)
	})
}

func (r *room) join(clientID string, queueSize int) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subscribers[clientID]
	if !ok {
		s = &clientSub{
			events:       make(chan types.SessionEvent, queueSize),
			disconnected: make(chan DisconnectReason, 1),
		}
		r.subscribers[clientID] = s
	}
	s.refCount++

	return Subscription{Events: s.events, Disconnected: s.disconnected}, nil
}

// leave decrements clientId's ref count and, if it reaches zero, removes
// and closes its subscription. Returns true if the room should be
// re-checked for emptiness.
func (r *room) leave(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subscribers[clientID]
	if !ok {
		return false
	}
	s.refCount--
	if s.refCount > 0 {
		return false
	}

	delete(r.subscribers, clientID)
	s.closeOnce.Do(func() {
		close(s.disconnected)
		close(s.events)
	})
	return true
}

func (r *room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	empty := len(r.subscribers) == 0
	if empty {
		r.cancel()
	}
	return empty
}

func (r *room) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.subscribers {
		s.closeOnce.Do(func() {
			close(s.disconnected)
			close(s.events)
		})
		delete(r.subscribers, id)
	}
	r.cancel()
}
