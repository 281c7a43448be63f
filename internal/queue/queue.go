package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"specgap/api-gateway/models"
)

// smoothingAlpha is the weight given to the most recent pipeline duration in
// the wait-estimate average.
const smoothingAlpha = 0.3

// Manager owns the admission queue: a FIFO of waiting entries in front of a
// single processing slot. All state is guarded by one mutex and every
// operation completes in bounded time; the only blocking work (the engine
// call) happens outside this package.
type Manager struct {
	mu       sync.Mutex
	waiting  []*models.QueueEntry
	active   *models.QueueEntry
	finished map[string]*models.QueueEntry // entry id -> terminal entry, retained briefly
	sessions map[string]string             // session id -> live entry id

	quota          *Quota
	avgRunSeconds  float64
	retainTerminal time.Duration

	now func() time.Time
	log *logrus.Logger
}

// Options tune the manager; zero values fall back to production defaults.
type Options struct {
	EstimatedRunSeconds int           // seed for the smoothed average
	RetainTerminal      time.Duration // how long terminal entries stay pollable
	Now                 func() time.Time
	Log                 *logrus.Logger
}

// NewManager creates an empty queue in front of the given quota tracker.
func NewManager(quota *Quota, opts Options) *Manager {
	if opts.EstimatedRunSeconds <= 0 {
		opts.EstimatedRunSeconds = 90
	}
	if opts.RetainTerminal <= 0 {
		opts.RetainTerminal = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.New()
	}
	return &Manager{
		finished:       make(map[string]*models.QueueEntry),
		sessions:       make(map[string]string),
		quota:          quota,
		avgRunSeconds:  float64(opts.EstimatedRunSeconds),
		retainTerminal: opts.RetainTerminal,
		now:            opts.Now,
		log:            opts.Log,
	}
}

// Quota exposes the tracker for snapshotting. Consumption still happens only
// through Next.
func (m *Manager) Quota() *Quota { return m.quota }

// Enqueue admits a session to the back of the waiting list. A session with a
// live entry is rejected with ErrAlreadyQueued. Exhausted quota does not
// reject the enqueue: the entry waits, holding its position, until the window
// resets.
func (m *Manager) Enqueue(sessionID string, mode models.AnalysisMode) (models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupStaleLocked()

	if _, live := m.sessions[sessionID]; live {
		return models.QueueEntry{}, ErrAlreadyQueued
	}

	entry := &models.QueueEntry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Mode:      mode,
		Status:    models.StatusWaiting,
		CreatedAt: m.now(),
	}
	m.waiting = append(m.waiting, entry)
	m.sessions[sessionID] = entry.ID
	m.updatePositionsLocked()

	m.log.WithFields(logrus.Fields{
		"entry_id":   entry.ID,
		"session_id": sessionID,
		"mode":       mode,
		"position":   entry.Position,
	}).Info("session enqueued")

	return *entry, nil
}

// Cancel removes a waiting entry. Processing entries are refused with
// ErrNotCancellable; they are cancelled through the orchestrator, which owns
// the running pipeline. sessionID must match the entry's owner.
func (m *Manager) Cancel(entryID, sessionID string) (models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.ID == entryID {
		// A non-owner must not learn the entry exists.
		if m.active.SessionID != sessionID {
			return models.QueueEntry{}, ErrNotFound
		}
		return models.QueueEntry{}, ErrNotCancellable
	}
	if e, ok := m.finished[entryID]; ok && e.SessionID == sessionID {
		return models.QueueEntry{}, ErrNotCancellable
	}

	for i, e := range m.waiting {
		if e.ID != entryID || e.SessionID != sessionID {
			continue
		}
		now := m.now()
		e.Status = models.StatusCancelled
		e.CompletedAt = &now
		e.Position = 0
		m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
		m.finished[e.ID] = e
		delete(m.sessions, e.SessionID)
		m.updatePositionsLocked()

		m.log.WithFields(logrus.Fields{"entry_id": entryID, "session_id": sessionID}).Info("waiting entry cancelled")
		return *e, nil
	}
	return models.QueueEntry{}, ErrNotFound
}

// Next promotes the head of the waiting list into the processing slot. It
// returns (zero, false, nil) when the slot is busy or the queue is empty, and
// (zero, false, ErrQuotaExhausted) when a head exists but the quota refuses
// it; in that case the head keeps its place and the caller decides when to
// retry. One quota unit is consumed per successful promotion.
func (m *Manager) Next() (models.QueueEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupStaleLocked()

	if m.active != nil || len(m.waiting) == 0 {
		return models.QueueEntry{}, false, nil
	}
	if !m.quota.TryConsume() {
		return models.QueueEntry{}, false, ErrQuotaExhausted
	}

	entry := m.waiting[0]
	m.waiting = m.waiting[1:]
	now := m.now()
	entry.Status = models.StatusProcessing
	entry.StartedAt = &now
	entry.Position = 0
	m.active = entry
	m.updatePositionsLocked()

	m.log.WithFields(logrus.Fields{
		"entry_id":   entry.ID,
		"session_id": entry.SessionID,
		"mode":       entry.Mode,
	}).Info("session promoted to processing")

	return *entry, true, nil
}

// AdvanceStage records the active entry's move into stageID, appending the
// stage that just finished to its history. Pollers of StatusBySession see the
// named current stage while the session is processing, not just the status.
func (m *Manager) AdvanceStage(entryID, stageID string) (models.QueueEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.ID != entryID {
		return models.QueueEntry{}, false
	}
	if prev := m.active.CurrentStage; prev != "" {
		m.active.StageHistory = append(m.active.StageHistory, models.StageRecord{
			StageID:     prev,
			CompletedAt: m.now(),
		})
	}
	m.active.CurrentStage = stageID
	return *m.active, true
}

// Complete moves the active entry to a terminal status and frees the slot.
// Terminal transitions are first-writer-wins: a late result arriving after a
// timeout (or a second completion attempt) is a no-op, so an abandoned engine
// call can never resurrect a retired entry or free someone else's slot.
func (m *Manager) Complete(entryID string, status models.QueueStatus, errMsg string) (models.QueueEntry, bool) {
	if !status.IsTerminal() {
		panic(fmt.Sprintf("queue: Complete called with non-terminal status %q", status))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.ID != entryID {
		return models.QueueEntry{}, false
	}

	entry := m.active
	now := m.now()
	entry.Status = status
	entry.CompletedAt = &now
	if status == models.StatusFailed || status == models.StatusTimeout {
		entry.ErrorMessage = errMsg
	}
	if entry.CurrentStage != "" {
		// Only a successful finish completes the in-flight stage.
		if status == models.StatusCompleted {
			entry.StageHistory = append(entry.StageHistory, models.StageRecord{
				StageID:     entry.CurrentStage,
				CompletedAt: now,
			})
		}
		entry.CurrentStage = ""
	}
	m.active = nil
	m.finished[entry.ID] = entry
	delete(m.sessions, entry.SessionID)

	if status == models.StatusCompleted && entry.StartedAt != nil {
		run := now.Sub(*entry.StartedAt).Seconds()
		m.avgRunSeconds = smoothingAlpha*run + (1-smoothingAlpha)*m.avgRunSeconds
	}

	m.log.WithFields(logrus.Fields{
		"entry_id":   entry.ID,
		"session_id": entry.SessionID,
		"status":     status,
		"quota_used": m.quota.Snapshot().Used,
	}).Info("session finished")

	return *entry, true
}

// StatusBySession returns the live or recently finished entry for a session.
func (m *Manager) StatusBySession(sessionID string) (models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupStaleLocked()

	if m.active != nil && m.active.SessionID == sessionID {
		return *m.active, nil
	}
	for _, e := range m.waiting {
		if e.SessionID == sessionID {
			return *e, nil
		}
	}
	for _, e := range m.finished {
		if e.SessionID == sessionID {
			return *e, nil
		}
	}
	return models.QueueEntry{}, ErrNotFound
}

// WaitingEntries returns a snapshot of the waiting list in queue order.
func (m *Manager) WaitingEntries() []models.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.QueueEntry, len(m.waiting))
	for i, e := range m.waiting {
		out[i] = *e
	}
	return out
}

// Estimate forecasts the wait for a queue position: position times the
// smoothed average run duration. Deliberately independent of how long the
// current head has already been running, so one slow session does not skew
// every estimate behind it. Non-binding.
func (m *Manager) Estimate(position int) models.WaitEstimate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimateLocked(position)
}

func (m *Manager) estimateLocked(position int) models.WaitEstimate {
	if position <= 0 {
		return models.WaitEstimate{WaitSeconds: 0, WaitFormatted: "Now"}
	}
	total := int(float64(position) * m.avgRunSeconds)
	return models.WaitEstimate{WaitSeconds: total, WaitFormatted: formatWait(total)}
}

// Info returns the point-in-time queue summary shown to clients.
func (m *Manager) Info() models.QueueInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupStaleLocked()

	return models.QueueInfo{
		QueueLength:          len(m.waiting),
		IsProcessing:         m.active != nil,
		EstimatedWaitSeconds: m.estimateLocked(len(m.waiting)).WaitSeconds,
		DailyQuota:           m.quota.Snapshot(),
	}
}

// updatePositionsLocked renumbers the waiting list after every structural
// change so positions are always 1..n in arrival order.
func (m *Manager) updatePositionsLocked() {
	for i, e := range m.waiting {
		e.Position = i + 1
	}
}

// cleanupStaleLocked drops terminal entries past the retention window.
func (m *Manager) cleanupStaleLocked() {
	threshold := m.now().Add(-m.retainTerminal)
	for id, e := range m.finished {
		if e.CompletedAt != nil && e.CompletedAt.Before(threshold) {
			delete(m.finished, id)
		}
	}
}

func formatWait(totalSeconds int) string {
	if totalSeconds <= 0 {
		return "Now"
	}
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
