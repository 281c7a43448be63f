package events

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"specgap/api-gateway/models"
)

// Event kinds delivered on a session's stream.
const (
	TypeQueue          = "queue"
	TypeStage          = "stage"
	TypeComplete       = "complete"
	TypeError          = "error"
	TypeCancelled      = "cancelled"
	TypeQuotaExhausted = "quota_exhausted"
)

// Event is one framed message on a session stream. Fields are populated per
// kind; unused fields are omitted from the wire form.
type Event struct {
	Type       string                `json:"type"`
	Stage      string                `json:"stage,omitempty"`
	Position   int                   `json:"position,omitempty"`
	Wait       *models.WaitEstimate  `json:"wait_estimate,omitempty"`
	Result     json.RawMessage       `json:"result,omitempty"`
	Message    string                `json:"message,omitempty"`
	DailyQuota *models.QuotaSnapshot `json:"daily_quota,omitempty"`
}

// Terminal reports whether the stream can be closed after this event.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError || e.Type == TypeCancelled
}

// subscriberBuffer bounds how far a slow consumer may lag before events are
// dropped. Publish never blocks on it.
const subscriberBuffer = 32

// Broadcaster fans out events to the one subscriber attached to each session.
// Delivery is best-effort: with no subscriber, or a full buffer, events are
// dropped rather than ever stalling the pipeline. Events that are delivered
// arrive in publish order.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]chan Event

	log *logrus.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(log *logrus.Logger) *Broadcaster {
	if log == nil {
		log = logrus.New()
	}
	return &Broadcaster{subs: make(map[string]chan Event), log: log}
}

// Subscribe attaches the caller to a session's stream, replacing any previous
// subscriber (a reconnecting client supersedes its stale connection). The
// returned cancel func detaches and closes the channel; it is safe to call
// more than once.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if old, ok := b.subs[sessionID]; ok {
		close(old)
	}
	b.subs[sessionID] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if cur, ok := b.subs[sessionID]; ok && cur == ch {
				delete(b.subs, sessionID)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish sends an event to the session's subscriber, if any. Non-blocking.
func (b *Broadcaster) Publish(sessionID string, ev Event) {
	b.mu.Lock()
	ch, ok := b.subs[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	select {
	case ch <- ev:
	default:
		b.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"event_type": ev.Type,
		}).Warn("subscriber buffer full, event dropped")
	}
	b.mu.Unlock()
}
