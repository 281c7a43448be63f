// Package orchestrator ties the admission queue, quota tracker, stage
// pipeline, and event broadcaster together. It owns the two contended
// resources, the single processing slot and the quota counter, and is the
// only component allowed to mutate them.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"specgap/api-gateway/internal/events"
	"specgap/api-gateway/internal/pipeline"
	"specgap/api-gateway/internal/queue"
	"specgap/api-gateway/models"
)

// AuditStore persists finished analyses. Implementations must tolerate being
// called off the request path; failures are logged, never fatal.
type AuditStore interface {
	SaveAudit(rec models.AuditRecord) error
}

// Options tune the orchestrator; zero values fall back to defaults.
type Options struct {
	AnalysisTimeout time.Duration // hard ceiling per processing session
	Store           AuditStore    // optional
	Now             func() time.Time
	Log             *logrus.Logger
}

// Orchestrator is the façade the transport layer talks to.
type Orchestrator struct {
	queue  *queue.Manager
	pipe   *pipeline.Pipeline
	events *events.Broadcaster
	store  AuditStore

	timeout time.Duration
	now     func() time.Time
	log     *logrus.Logger

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // entry id -> processing cancel
}

// New wires the orchestrator. Call Start to begin promoting sessions.
func New(q *queue.Manager, p *pipeline.Pipeline, b *events.Broadcaster, opts Options) *Orchestrator {
	if opts.AnalysisTimeout <= 0 {
		opts.AnalysisTimeout = 3 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.New()
	}
	return &Orchestrator{
		queue:   q,
		pipe:    p,
		events:  b,
		store:   opts.Store,
		timeout: opts.AnalysisTimeout,
		now:     opts.Now,
		log:     opts.Log,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the promotion worker.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.run()
}

// Stop cancels in-flight sessions and stops the promotion worker.
func (o *Orchestrator) Stop() {
	close(o.quit)

	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()
}

// Enqueue admits a session and triggers a promotion attempt. When the quota
// is exhausted the entry is still accepted: it waits, keeping its position,
// until the window resets (enqueue is never rejected for capacity).
func (o *Orchestrator) Enqueue(sessionID string, mode models.AnalysisMode) (models.QueueEntry, models.QueueInfo, error) {
	if !mode.Valid() {
		return models.QueueEntry{}, o.queue.Info(), fmt.Errorf("unknown analysis mode %q", mode)
	}

	entry, err := o.queue.Enqueue(sessionID, mode)
	if err != nil {
		return models.QueueEntry{}, o.queue.Info(), err
	}

	o.publishQueuePositions()
	o.kick()
	return entry, o.queue.Info(), nil
}

// Status returns the session's live or recently finished entry. Read-only.
func (o *Orchestrator) Status(sessionID string) (models.QueueEntry, error) {
	return o.queue.StatusBySession(sessionID)
}

// Info returns the queue/quota summary shown to clients.
func (o *Orchestrator) Info() models.QueueInfo {
	return o.queue.Info()
}

// Cancel removes a waiting entry outright. For the session's processing entry
// it requests graceful cancellation instead: the pipeline stops at the next
// stage boundary (the engine call is also signalled, since the collaborator
// supports interruption) and the slot is freed by the normal terminal path.
func (o *Orchestrator) Cancel(entryID, sessionID string) (models.QueueEntry, error) {
	entry, err := o.queue.Cancel(entryID, sessionID)
	if err == nil {
		o.events.Publish(sessionID, events.Event{Type: events.TypeCancelled, Message: "analysis cancelled"})
		o.publishQueuePositions()
		o.kick()
		return entry, nil
	}

	if errors.Is(err, queue.ErrNotCancellable) {
		if st, serr := o.queue.StatusBySession(sessionID); serr == nil && st.ID == entryID && st.Status == models.StatusProcessing {
			o.mu.Lock()
			cancel, ok := o.cancels[entryID]
			o.mu.Unlock()
			if ok {
				cancel()
				o.log.WithFields(logrus.Fields{"entry_id": entryID, "session_id": sessionID}).
					Info("graceful cancellation requested for processing session")
				return st, nil
			}
		}
	}
	return models.QueueEntry{}, err
}

// Subscribe attaches a client to its session's event stream. The pipeline is
// driven by the promotion worker, never by the subscriber: this is a passive
// consumer. A waiting session immediately receives its current position so a
// reconnecting client is not blind until the next structural change.
func (o *Orchestrator) Subscribe(sessionID string) (<-chan events.Event, func()) {
	ch, cancel := o.events.Subscribe(sessionID)

	if st, err := o.queue.StatusBySession(sessionID); err == nil && st.Status == models.StatusWaiting {
		o.publishPositionFor(st)
	}
	return ch, cancel
}

// run is the single promotion worker. It wakes on enqueue/cancel/completion,
// on the quota window boundary, and on shutdown. It never busy-polls.
func (o *Orchestrator) run() {
	defer o.wg.Done()
	for {
		resetTimer := time.NewTimer(time.Until(o.queue.Quota().ResetsAt()) + time.Second)
		select {
		case <-o.quit:
			resetTimer.Stop()
			return
		case <-o.wake:
		case <-resetTimer.C:
		}
		resetTimer.Stop()
		o.promote()
	}
}

// promote moves the queue head into the processing slot if possible.
func (o *Orchestrator) promote() {
	entry, ok, err := o.queue.Next()
	if errors.Is(err, queue.ErrQuotaExhausted) {
		o.notifyQuotaExhausted()
		return
	}
	if !ok {
		return
	}

	o.publishQueuePositions()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.process(entry)
	}()
}

// process drives one session through the pipeline and retires it. The
// session-level deadline is enforced here: if the engine call never returns,
// the logical slot is still freed at the deadline and the stale result is
// discarded by the queue's first-writer-wins terminal transition.
func (o *Orchestrator) process(entry models.QueueEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	o.mu.Lock()
	o.cancels[entry.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, entry.ID)
		o.mu.Unlock()
		cancel()
	}()

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		payload, err := o.pipe.Run(ctx, entry.SessionID, entry.Mode, func(stageID string) {
			o.queue.AdvanceStage(entry.ID, stageID)
			o.events.Publish(entry.SessionID, events.Event{Type: events.TypeStage, Stage: stageID})
		})
		done <- outcome{payload, err}
	}()

	var (
		status  models.QueueStatus
		message string
		payload json.RawMessage
	)
	select {
	case out := <-done:
		switch {
		case out.err == nil:
			status = models.StatusCompleted
			payload = out.payload
		case errors.Is(out.err, context.DeadlineExceeded):
			status = models.StatusTimeout
			message = "analysis timed out"
		case errors.Is(out.err, context.Canceled):
			status = models.StatusCancelled
		default:
			status = models.StatusFailed
			message = out.err.Error()
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			status = models.StatusCancelled
		} else {
			status = models.StatusTimeout
			message = "analysis timed out"
		}
	}

	final, retired := o.queue.Complete(entry.ID, status, message)
	if !retired {
		// Entry was already retired; this result belongs to an abandoned run.
		return
	}

	switch status {
	case models.StatusCompleted:
		o.events.Publish(entry.SessionID, events.Event{Type: events.TypeComplete, Result: payload})
		o.saveAudit(final, payload)
	case models.StatusFailed, models.StatusTimeout:
		o.events.Publish(entry.SessionID, events.Event{Type: events.TypeError, Message: message})
	case models.StatusCancelled:
		o.events.Publish(entry.SessionID, events.Event{Type: events.TypeCancelled, Message: "analysis cancelled"})
	}

	o.publishQueuePositions()
	o.kick()
}

// saveAudit persists the finished analysis; failures are logged only.
func (o *Orchestrator) saveAudit(entry models.QueueEntry, payload json.RawMessage) {
	if o.store == nil {
		return
	}
	var duration float64
	if entry.StartedAt != nil && entry.CompletedAt != nil {
		duration = entry.CompletedAt.Sub(*entry.StartedAt).Seconds()
	}
	rec := models.AuditRecord{
		SessionID: entry.SessionID,
		AuditType: string(entry.Mode),
		Verdict:   payload,
		Duration:  duration,
		CreatedAt: o.now(),
	}
	if err := o.store.SaveAudit(rec); err != nil {
		o.log.WithError(err).WithField("session_id", entry.SessionID).Warn("failed to persist audit")
	}
}

// publishQueuePositions pushes each waiting session its recomputed position
// and wait estimate. Called after every structural change.
func (o *Orchestrator) publishQueuePositions() {
	for _, e := range o.queue.WaitingEntries() {
		o.publishPositionFor(e)
	}
}

func (o *Orchestrator) publishPositionFor(e models.QueueEntry) {
	est := o.queue.Estimate(e.Position)
	quota := o.queue.Quota().Snapshot()
	o.events.Publish(e.SessionID, events.Event{
		Type:       events.TypeQueue,
		Position:   e.Position,
		Wait:       &est,
		DailyQuota: &quota,
	})
}

// notifyQuotaExhausted tells every waiting session that promotion is paused
// until the window resets.
func (o *Orchestrator) notifyQuotaExhausted() {
	quota := o.queue.Quota().Snapshot()
	waiting := o.queue.WaitingEntries()
	o.log.WithFields(logrus.Fields{
		"waiting":   len(waiting),
		"resets_at": quota.ResetsAt,
	}).Warn("promotion paused, daily quota exhausted")

	for _, e := range waiting {
		o.events.Publish(e.SessionID, events.Event{
			Type:       events.TypeQuotaExhausted,
			Position:   e.Position,
			Message:    "daily analysis quota exhausted; your place in line is kept until the window resets",
			DailyQuota: &quota,
		})
	}
}

// kick schedules a promotion attempt without blocking.
func (o *Orchestrator) kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
