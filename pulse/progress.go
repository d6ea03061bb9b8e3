package pulse

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/pawnx/logger"
)

// EventKind distinguishes the three progress event shapes
type EventKind string

const (
	KindProgress EventKind = "progress"
	KindComplete EventKind = "complete"
	KindError    EventKind = "error"
)

// Event is a progress notification for one job, addressed to the
// subscriber that started it.
type Event struct {
	JobID        string                 `json:"jobId"`
	SubjectID    string                 `json:"subjectId,omitempty"` // token the job works on
	SubscriberID string                 `json:"subscriberId,omitempty"`
	Kind         EventKind              `json:"kind"`
	Stage        string                 `json:"stage,omitempty"`
	Progress     int                    `json:"progress"`
	Message      string                 `json:"message,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Success      bool                   `json:"success,omitempty"`
	Data         interface{}            `json:"data,omitempty"`
	Error        string                 `json:"error,omitempty"`
	// Origin is the bus that first published the event
	Origin string `json:"origin,omitempty"`
}

// Publisher forwards events beyond this process
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// SubscriberBufferSize is the channel buffer of each bus subscription
const SubscriberBufferSize = 100

type subscription struct {
	subscriberID string // empty receives every event
	ch           chan Event
}

// Bus fans progress events out to in-process subscribers and forwarders.
// Publishing never blocks: a full subscriber misses the event.
type Bus struct {
	id     string
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	subs       []*subscription
	forwarders []Publisher
}

// NewBus creates an empty bus
func NewBus(log *zap.SugaredLogger) *Bus {
	return &Bus{id: uuid.NewString(), logger: log.Named("progress")}
}

// ID identifies this bus as an event origin
func (b *Bus) ID() string {
	return b.id
}

// AddForwarder registers a publisher that receives every locally published event
func (b *Bus) AddForwarder(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarders = append(b.forwarders, p)
}

// Subscribe returns events addressed to subscriberID (all events when empty)
// and a cancel func that closes the channel.
func (b *Bus) Subscribe(subscriberID string) (<-chan Event, func()) {
	sub := &subscription{subscriberID: subscriberID, ch: make(chan Event, SubscriberBufferSize)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			close(sub.ch)
		})
	}
}

// Publish delivers ev locally and to every forwarder. Forwarding errors are
// logged, never returned: progress is best effort.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Origin == "" {
		ev.Origin = b.id
	}
	b.PublishLocal(ev)

	b.mu.RLock()
	forwarders := append([]Publisher(nil), b.forwarders...)
	b.mu.RUnlock()
	for _, f := range forwarders {
		if err := f.Publish(ctx, ev); err != nil {
			b.logger.Warnw("Failed to forward progress event",
				logger.FieldJobID, ev.JobID, logger.FieldError, err)
		}
	}
}

// PublishLocal delivers ev to in-process subscribers only
func (b *Bus) PublishLocal(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.subscriberID != "" && sub.subscriberID != ev.SubscriberID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debugw("Dropping progress event for slow subscriber",
				logger.FieldJobID, ev.JobID, "subscriber", sub.subscriberID)
		}
	}
}
