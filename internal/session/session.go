package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"keyflow/internal/flow"
	"keyflow/internal/jsonrpc"
)

// ClientSession owns the flow subscriptions of a single WebSocket client
type ClientSession struct {
	id            string
	sender        Sender
	catalog       Catalog
	maxSubs       int
	logger        zerolog.Logger
	subscriptions map[string]*clientSubscriber // subID -> subscriber
	mu            sync.Mutex
	closed        bool
}

// NewClientSession creates a new ClientSession. maxSubs 0 means no limit.
func NewClientSession(sender Sender, catalog Catalog, maxSubs int, logger zerolog.Logger) *ClientSession {
	id := uuid.NewString()
	return &ClientSession{
		id:            id,
		sender:        sender,
		catalog:       catalog,
		maxSubs:       maxSubs,
		logger:        logger.With().Str("session", id).Logger(),
		subscriptions: make(map[string]*clientSubscriber),
	}
}

// ID returns the session ID
func (cs *ClientSession) ID() string {
	return cs.id
}

// Subscribe creates a subscription with no demand. Values flow only after
// Request, which lets the caller answer the subscribe call first.
func (cs *ClientSession) Subscribe(params jsonrpc.SubscribeParams) (string, error) {
	if err := cs.checkCapacity(); err != nil {
		return "", err
	}

	pub, err := cs.catalog.Publisher(params.Source, params.Key, params.Initial)
	if err != nil {
		return "", err
	}

	sub := &clientSubscriber{
		id:      uuid.NewString(),
		key:     params.Key,
		session: cs,
	}
	pub.Subscribe(sub)

	cs.mu.Lock()
	if err := cs.checkCapacityLocked(); err != nil {
		cs.mu.Unlock()
		sub.handle.Cancel()
		return "", err
	}
	cs.subscriptions[sub.id] = sub
	cs.mu.Unlock()

	cs.logger.Debug().
		Str("subID", sub.id).
		Str("source", params.Source).
		Str("key", params.Key).
		Bool("initial", params.Initial).
		Msg("subscription created")

	return sub.id, nil
}

func (cs *ClientSession) checkCapacity() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.checkCapacityLocked()
}

func (cs *ClientSession) checkCapacityLocked() error {
	if cs.closed {
		return ErrClosed
	}
	if cs.maxSubs > 0 && len(cs.subscriptions) >= cs.maxSubs {
		return fmt.Errorf("%w (%d)", ErrLimitExceeded, cs.maxSubs)
	}
	return nil
}

// Request grants n more values to a subscription; -1 requests all future values
func (cs *ClientSession) Request(subID string, n int64) error {
	demand, err := demandOf(n)
	if err != nil {
		return err
	}
	sub, err := cs.lookup(subID)
	if err != nil {
		return err
	}
	sub.handle.Request(demand)
	return nil
}

// Cancel removes a subscription. No end notification is sent for it.
func (cs *ClientSession) Cancel(subID string) error {
	cs.mu.Lock()
	sub, ok := cs.subscriptions[subID]
	if ok {
		delete(cs.subscriptions, subID)
	}
	cs.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subID)
	}

	sub.handle.Cancel()
	cs.logger.Debug().Str("subID", subID).Msg("subscription cancelled")
	return nil
}

// Stats returns a snapshot of a subscription
func (cs *ClientSession) Stats(subID string) (flow.Stats, error) {
	sub, err := cs.lookup(subID)
	if err != nil {
		return flow.Stats{}, err
	}
	return sub.handle.Stats(), nil
}

func (cs *ClientSession) lookup(subID string) (*clientSubscriber, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return nil, ErrClosed
	}
	sub, ok := cs.subscriptions[subID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subID)
	}
	return sub, nil
}

// Close cancels every subscription of the session
func (cs *ClientSession) Close() {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true

	subs := make([]*clientSubscriber, 0, len(cs.subscriptions))
	for _, sub := range cs.subscriptions {
		subs = append(subs, sub)
	}
	cs.subscriptions = make(map[string]*clientSubscriber)
	cs.mu.Unlock()

	for _, sub := range subs {
		sub.handle.Cancel()
	}

	cs.logger.Debug().Int("subscriptions", len(subs)).Msg("client session closed")
}

// SubscriptionCount returns the number of active subscriptions
func (cs *ClientSession) SubscriptionCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.subscriptions)
}

// finish forgets a subscription the stream ended for and tells the client
func (cs *ClientSession) finish(sub *clientSubscriber, err error) {
	cs.mu.Lock()
	current, ok := cs.subscriptions[sub.id]
	if ok && current == sub {
		delete(cs.subscriptions, sub.id)
	}
	cs.mu.Unlock()
	if !ok {
		return
	}

	data, mErr := jsonrpc.NewSubscriptionEnd(sub.id, ErrorFor(err))
	if mErr != nil {
		cs.logger.Warn().Err(mErr).Msg("failed to marshal subscription end")
		return
	}
	cs.sender.SendEnd(data)

	if err != nil {
		cs.logger.Debug().Err(err).Str("subID", sub.id).Msg("subscription failed")
	} else {
		cs.logger.Debug().Str("subID", sub.id).Msg("subscription completed")
	}
}

// clientSubscriber is the flow consumer behind one client subscription
type clientSubscriber struct {
	id      string
	key     string
	session *ClientSession
	handle  flow.Subscription
}

// OnSubscribe implements flow.Consumer
func (s *clientSubscriber) OnSubscribe(sub flow.Subscription) {
	s.handle = sub
}

// OnNext implements flow.Consumer
func (s *clientSubscriber) OnNext(value json.RawMessage) flow.Demand {
	data, err := jsonrpc.NewSubscriptionNotification(s.id, s.key, value)
	if err != nil {
		s.session.logger.Warn().Err(err).Str("subID", s.id).Msg("failed to marshal notification")
		return 0
	}
	s.session.sender.Send(data)
	return 0
}

// OnComplete implements flow.Consumer
func (s *clientSubscriber) OnComplete() {
	s.session.finish(s, nil)
}

// OnFailure implements flow.Consumer
func (s *clientSubscriber) OnFailure(err error) {
	s.session.finish(s, err)
}
