package realtime

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const subscriberBuffer = 32

// Subscription receives events for one debate until it is closed.
type Subscription struct {
	ID       uuid.UUID
	DebateID string
	Events   chan Event

	once sync.Once
}

// Hub holds the SSE subscribers of this process.
type Hub struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[uuid.UUID]*Subscription
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:  log.Named("realtime_hub"),
		subs: map[string]map[uuid.UUID]*Subscription{},
	}
}

func (h *Hub) Subscribe(debateID string) *Subscription {
	sub := &Subscription{
		ID:       uuid.New(),
		DebateID: debateID,
		Events:   make(chan Event, subscriberBuffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[debateID] == nil {
		h.subs[debateID] = map[uuid.UUID]*Subscription{}
	}
	h.subs[debateID][sub.ID] = sub
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if group := h.subs[sub.DebateID]; group != nil {
		delete(group, sub.ID)
		if len(group) == 0 {
			delete(h.subs, sub.DebateID)
		}
	}
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.Events) })
}

// Broadcast delivers evt to every subscriber of its debate. A subscriber whose
// buffer is full misses the event; the next one it receives triggers a refetch
// anyway.
func (h *Hub) Broadcast(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[evt.DebateID] {
		select {
		case sub.Events <- evt:
		default:
			h.log.Warn("Dropping event for slow subscriber",
				zap.String("debate_id", evt.DebateID),
				zap.String("subscription_id", sub.ID.String()))
		}
	}
}

// Subscribers returns how many subscriptions a debate has.
func (h *Hub) Subscribers(debateID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[debateID])
}
