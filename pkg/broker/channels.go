package broker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/shared_types"
)

// ChannelConfig holds per-channel limits. Zero MaxSubscribers means unlimited,
// zero RetainMessages disables retention.
type ChannelConfig struct {
	RetainMessages int `json:"retain-messages" yaml:"retain-messages"`
	MaxSubscribers int `json:"max-subscribers" yaml:"max-subscribers"`
}

// ChannelInfo is a point-in-time view of a channel.
type ChannelInfo struct {
	ID          string
	Subscribers int
	Retained    int
	Config      ChannelConfig
}

// SubscribeResult is returned to a new subscriber.
type SubscribeResult struct {
	ChannelID       string
	SubscriberCount int
	// Retained messages, oldest first.
	Retained []shared_types.RetainedMessage
}

// Deliverer pushes an encoded frame to a set of connections and reports how
// many accepted it.
type Deliverer interface {
	Deliver(connIDs []string, typ string, payload any) int
}

type channel struct {
	id  string
	cfg ChannelConfig

	mu          sync.Mutex
	subscribers map[string]struct{}
	retained    *ring
}

func newChannel(id string, cfg ChannelConfig) *channel {
	return &channel{
		id:          id,
		cfg:         cfg,
		subscribers: make(map[string]struct{}),
		retained:    newRing(cfg.RetainMessages),
	}
}

// ChannelBroker owns every channel's subscriber set and retention buffer.
// The map lock is only held for lookup and creation; subscribe, publish and
// unsubscribe take the channel's own lock, so a busy channel never stalls
// the others.
type ChannelBroker struct {
	registry  *Registry
	deliverer Deliverer
	now       func() int64
	onCreated func(id string)

	mu         sync.RWMutex
	channels   map[string]*channel
	autoCreate bool
	defaults   ChannelConfig
}

// NewChannelBroker creates a broker that resolves subscribers through
// registry and sends frames through d.
func NewChannelBroker(registry *Registry, d Deliverer, autoCreate bool, defaults ChannelConfig) *ChannelBroker {
	return &ChannelBroker{
		registry:   registry,
		deliverer:  d,
		now:        func() int64 { return ergosockets.TimeNow().UnixMilli() },
		channels:   make(map[string]*channel),
		autoCreate: autoCreate,
		defaults:   defaults,
	}
}

// CreateChannel creates a channel explicitly.
func (cb *ChannelBroker) CreateChannel(id string, cfg ChannelConfig) error {
	if id == "" {
		return fmt.Errorf("%w: empty channel id", ergosockets.ErrBadRequest)
	}
	cb.mu.Lock()
	if _, exists := cb.channels[id]; exists {
		cb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrChannelExists, id)
	}
	cb.channels[id] = newChannel(id, cfg)
	cb.mu.Unlock()
	cb.created(id)
	return nil
}

// SetDefaultConfig changes the config of channels auto-created from now on.
func (cb *ChannelBroker) SetDefaultConfig(cfg ChannelConfig) {
	cb.mu.Lock()
	cb.defaults = cfg
	cb.mu.Unlock()
}

// SetAutoCreate toggles auto-creation.
func (cb *ChannelBroker) SetAutoCreate(enabled bool) {
	cb.mu.Lock()
	cb.autoCreate = enabled
	cb.mu.Unlock()
}

func (cb *ChannelBroker) lookup(id string, create bool) (*channel, error) {
	cb.mu.RLock()
	ch, ok := cb.channels[id]
	auto := cb.autoCreate
	cb.mu.RUnlock()
	if ok {
		return ch, nil
	}
	if !create || !auto {
		return nil, fmt.Errorf("%w: %q", ErrChannelNotFound, id)
	}

	cb.mu.Lock()
	ch, ok = cb.channels[id]
	if !ok {
		ch = newChannel(id, cb.defaults)
		cb.channels[id] = ch
	}
	cb.mu.Unlock()
	if !ok {
		cb.created(id)
	}
	return ch, nil
}

func (cb *ChannelBroker) created(id string) {
	if cb.onCreated != nil {
		cb.onCreated(id)
	}
}

// Subscribe adds connID to a channel. Subscribing twice is idempotent and
// replays the retained messages again. onSubscribed, if not nil, runs while
// the channel is locked so that a reply queued there reaches the subscriber
// before any message published afterwards.
func (cb *ChannelBroker) Subscribe(connID, channelID string, onSubscribed func(SubscribeResult)) (SubscribeResult, error) {
	if channelID == "" {
		return SubscribeResult{}, fmt.Errorf("%w: empty channel id", ergosockets.ErrBadRequest)
	}
	conn, ok := cb.registry.Get(connID)
	if !ok {
		return SubscribeResult{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	ch, err := cb.lookup(channelID, true)
	if err != nil {
		return SubscribeResult{}, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, already := ch.subscribers[connID]; !already {
		if ch.cfg.MaxSubscribers > 0 && len(ch.subscribers) >= ch.cfg.MaxSubscribers {
			return SubscribeResult{}, fmt.Errorf("%w: %q allows %d", ErrSubscriberLimitExceeded, channelID, ch.cfg.MaxSubscribers)
		}
		// Fails once the connection is being removed, which keeps the
		// subscriber set within the live connections.
		if !conn.trackChannel(channelID) {
			return SubscribeResult{}, fmt.Errorf("%w: %s", ErrConnectionClosed, connID)
		}
		ch.subscribers[connID] = struct{}{}
	}
	res := SubscribeResult{
		ChannelID:       channelID,
		SubscriberCount: len(ch.subscribers),
		Retained:        ch.retained.snapshot(),
	}
	if onSubscribed != nil {
		onSubscribed(res)
	}
	return res, nil
}

// Unsubscribe removes connID from a channel and reports whether it was
// subscribed. Unknown channels are not an error.
func (cb *ChannelBroker) Unsubscribe(connID, channelID string) bool {
	cb.mu.RLock()
	ch, ok := cb.channels[channelID]
	cb.mu.RUnlock()
	if !ok {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	_, was := ch.subscribers[connID]
	delete(ch.subscribers, connID)
	if conn, ok := cb.registry.Get(connID); ok {
		conn.untrackChannel(channelID)
	}
	return was
}

// dropSubscriber prunes a connection that has already left the registry.
func (cb *ChannelBroker) dropSubscriber(connID, channelID string) {
	cb.mu.RLock()
	ch, ok := cb.channels[channelID]
	cb.mu.RUnlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	delete(ch.subscribers, connID)
	ch.mu.Unlock()
}

// Publish retains data and delivers it to every subscriber, skipping the
// sender when excludeSender is set. Delivery happens under the channel lock,
// so all subscribers see a channel's messages in publish order.
func (cb *ChannelBroker) Publish(senderID, channelID string, data any, excludeSender bool) (int, error) {
	if channelID == "" {
		return 0, fmt.Errorf("%w: empty channel id", ergosockets.ErrBadRequest)
	}
	ch, err := cb.lookup(channelID, true)
	if err != nil {
		return 0, err
	}

	now := cb.now()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.retained.push(shared_types.RetainedMessage{Data: data, PublishTime: now, SenderID: senderID})

	ids := make([]string, 0, len(ch.subscribers))
	for id := range ch.subscribers {
		if excludeSender && id == senderID {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return cb.deliverer.Deliver(ids, ergosockets.TypeChannelMessage, shared_types.ChannelMessage{
		ChannelID:     channelID,
		Data:          data,
		BroadcastTime: now,
		SenderID:      senderID,
	}), nil
}

// ChannelInfo describes one channel.
func (cb *ChannelBroker) ChannelInfo(id string) (ChannelInfo, error) {
	cb.mu.RLock()
	ch, ok := cb.channels[id]
	cb.mu.RUnlock()
	if !ok {
		return ChannelInfo{}, fmt.Errorf("%w: %q", ErrChannelNotFound, id)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ChannelInfo{ID: id, Subscribers: len(ch.subscribers), Retained: ch.retained.len(), Config: ch.cfg}, nil
}

// Channels lists channel ids in sorted order.
func (cb *ChannelBroker) Channels() []string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	ids := make([]string, 0, len(cb.channels))
	for id := range cb.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring struct {
	buf   []shared_types.RetainedMessage
	start int
	n     int
}

func newRing(capacity int) *ring {
	if capacity < 0 {
		capacity = 0
	}
	return &ring{buf: make([]shared_types.RetainedMessage, capacity)}
}

func (r *ring) push(m shared_types.RetainedMessage) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = m
		r.n++
		return
	}
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) snapshot() []shared_types.RetainedMessage {
	if r.n == 0 {
		return nil
	}
	out := make([]shared_types.RetainedMessage, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) len() int { return r.n }
