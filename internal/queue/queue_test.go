package queue

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"specgap/api-gateway/models"
)

func newTestManager(t *testing.T, quotaLimit int, clock *fakeClock) *Manager {
	t.Helper()
	opts := Options{EstimatedRunSeconds: 90}
	var q *Quota
	if clock != nil {
		q = NewQuota(quotaLimit, clock.Now, nil)
		opts.Now = clock.Now
	} else {
		q = NewQuota(quotaLimit, nil, nil)
	}
	return NewManager(q, opts)
}

func TestEnqueueAssignsFIFOPositions(t *testing.T) {
	m := newTestManager(t, 10, nil)

	a, err := m.Enqueue("s1", models.ModeQuick)
	if err != nil {
		t.Fatalf("enqueue s1: %v", err)
	}
	b, _ := m.Enqueue("s2", models.ModeDeep)
	c, _ := m.Enqueue("s3", models.ModeQuick)

	if a.Position != 1 || b.Position != 2 || c.Position != 3 {
		t.Fatalf("positions = %d,%d,%d, want 1,2,3", a.Position, b.Position, c.Position)
	}
	if a.Status != models.StatusWaiting {
		t.Fatalf("status = %s, want waiting", a.Status)
	}
}

func TestEnqueueRejectsLiveSession(t *testing.T) {
	m := newTestManager(t, 10, nil)

	if _, err := m.Enqueue("s1", models.ModeQuick); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.Enqueue("s1", models.ModeQuick); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("duplicate enqueue err = %v, want ErrAlreadyQueued", err)
	}

	// Still rejected while processing.
	if _, ok, err := m.Next(); !ok || err != nil {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if _, err := m.Enqueue("s1", models.ModeQuick); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("enqueue while processing err = %v, want ErrAlreadyQueued", err)
	}
}

func TestCancelMiddleEntryRenumbersRest(t *testing.T) {
	m := newTestManager(t, 10, nil)
	m.Enqueue("s1", models.ModeQuick)
	b, _ := m.Enqueue("s2", models.ModeQuick)
	m.Enqueue("s3", models.ModeQuick)

	cancelled, err := m.Cancel(b.ID, "s2")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.CompletedAt == nil {
		t.Fatalf("cancelled entry not terminal: %+v", cancelled)
	}

	waiting := m.WaitingEntries()
	if len(waiting) != 2 {
		t.Fatalf("waiting length = %d, want 2", len(waiting))
	}
	if waiting[0].SessionID != "s1" || waiting[0].Position != 1 {
		t.Fatalf("head = %s pos %d, want s1 pos 1", waiting[0].SessionID, waiting[0].Position)
	}
	if waiting[1].SessionID != "s3" || waiting[1].Position != 2 {
		t.Fatalf("tail = %s pos %d, want s3 pos 2", waiting[1].SessionID, waiting[1].Position)
	}

	// Session may enqueue again after cancelling.
	if _, err := m.Enqueue("s2", models.ModeQuick); err != nil {
		t.Fatalf("re-enqueue after cancel: %v", err)
	}
}

func TestCancelRefusesProcessingAndTerminal(t *testing.T) {
	m := newTestManager(t, 10, nil)
	a, _ := m.Enqueue("s1", models.ModeQuick)
	m.Next()

	if _, err := m.Cancel(a.ID, "s1"); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("cancel processing err = %v, want ErrNotCancellable", err)
	}

	m.Complete(a.ID, models.StatusCompleted, "")
	if _, err := m.Cancel(a.ID, "s1"); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("cancel terminal err = %v, want ErrNotCancellable", err)
	}
}

func TestCancelProcessingEntryRequiresOwnership(t *testing.T) {
	m := newTestManager(t, 10, nil)
	a, _ := m.Enqueue("s1", models.ModeQuick)
	m.Next()

	// Probing someone else's entry id looks identical to a miss.
	if _, err := m.Cancel(a.ID, "intruder"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-owner cancel err = %v, want ErrNotFound", err)
	}
	if _, err := m.Cancel(a.ID, "s1"); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("owner cancel err = %v, want ErrNotCancellable", err)
	}
}

func TestCancelUnknownEntry(t *testing.T) {
	m := newTestManager(t, 10, nil)
	if _, err := m.Cancel("nope", "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestNextEnforcesSingleSlotAndQuota(t *testing.T) {
	m := newTestManager(t, 2, nil)
	m.Enqueue("s1", models.ModeQuick)
	m.Enqueue("s2", models.ModeQuick)
	m.Enqueue("s3", models.ModeQuick)

	first, ok, err := m.Next()
	if !ok || err != nil {
		t.Fatalf("first next: ok=%v err=%v", ok, err)
	}
	if first.SessionID != "s1" || first.Status != models.StatusProcessing || first.StartedAt == nil {
		t.Fatalf("unexpected promoted entry: %+v", first)
	}

	// Slot busy: no second promotion.
	if _, ok, err := m.Next(); ok || err != nil {
		t.Fatalf("next while busy: ok=%v err=%v", ok, err)
	}

	m.Complete(first.ID, models.StatusCompleted, "")
	second, ok, err := m.Next()
	if !ok || err != nil || second.SessionID != "s2" {
		t.Fatalf("second promotion: %+v ok=%v err=%v", second, ok, err)
	}
	m.Complete(second.ID, models.StatusCompleted, "")

	// Quota of 2 is now spent: the head stays in place.
	if _, ok, err := m.Next(); ok || !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("next past quota: ok=%v err=%v, want ErrQuotaExhausted", ok, err)
	}
	waiting := m.WaitingEntries()
	if len(waiting) != 1 || waiting[0].SessionID != "s3" || waiting[0].Position != 1 {
		t.Fatalf("head not preserved after quota refusal: %+v", waiting)
	}
	if info := m.Info(); !info.DailyQuota.IsExhausted {
		t.Fatalf("info should report exhausted quota: %+v", info.DailyQuota)
	}
}

func TestAdvanceStageTracksCurrentStageAndHistory(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, 10, clock)
	a, _ := m.Enqueue("s1", models.ModeDeep)
	m.Next()

	if _, ok := m.AdvanceStage("wrong-id", "tech_audit"); ok {
		t.Fatalf("advance for a non-active entry should be a no-op")
	}

	st, ok := m.AdvanceStage(a.ID, "tech_audit")
	if !ok {
		t.Fatalf("advance into first stage failed")
	}
	if st.CurrentStage != "tech_audit" || len(st.StageHistory) != 0 {
		t.Fatalf("after first stage: %+v", st)
	}

	clock.Advance(10 * time.Second)
	st, _ = m.AdvanceStage(a.ID, "legal_audit")
	if st.CurrentStage != "legal_audit" {
		t.Fatalf("current stage = %q, want legal_audit", st.CurrentStage)
	}
	if len(st.StageHistory) != 1 || st.StageHistory[0].StageID != "tech_audit" {
		t.Fatalf("history = %+v, want completed tech_audit", st.StageHistory)
	}
	if st.StageHistory[0].CompletedAt.IsZero() {
		t.Fatalf("history entry missing completion time")
	}

	// Polling reflects the same stage state.
	polled, err := m.StatusBySession("s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if polled.CurrentStage != "legal_audit" || len(polled.StageHistory) != 1 {
		t.Fatalf("polled stage state: %+v", polled)
	}

	// A successful finish completes the in-flight stage; the terminal entry
	// carries the full history and no current stage.
	m.AdvanceStage(a.ID, "synthesis")
	final, ok := m.Complete(a.ID, models.StatusCompleted, "")
	if !ok {
		t.Fatalf("complete failed")
	}
	if final.CurrentStage != "" {
		t.Fatalf("terminal entry still has current stage %q", final.CurrentStage)
	}
	want := []string{"tech_audit", "legal_audit", "synthesis"}
	if len(final.StageHistory) != len(want) {
		t.Fatalf("history = %+v, want %v", final.StageHistory, want)
	}
	for i, rec := range final.StageHistory {
		if rec.StageID != want[i] {
			t.Fatalf("history[%d] = %q, want %q", i, rec.StageID, want[i])
		}
	}
}

func TestFailureDoesNotCompleteInFlightStage(t *testing.T) {
	m := newTestManager(t, 10, nil)
	a, _ := m.Enqueue("s1", models.ModeDeep)
	m.Next()
	m.AdvanceStage(a.ID, "tech_audit")

	final, ok := m.Complete(a.ID, models.StatusFailed, "engine exploded")
	if !ok {
		t.Fatalf("complete failed")
	}
	if final.CurrentStage != "" || len(final.StageHistory) != 0 {
		t.Fatalf("failed entry stage state: %+v", final)
	}
}

func TestCompleteIsFirstWriterWins(t *testing.T) {
	m := newTestManager(t, 10, nil)
	a, _ := m.Enqueue("s1", models.ModeQuick)
	m.Next()

	if _, ok := m.Complete(a.ID, models.StatusTimeout, "analysis timed out"); !ok {
		t.Fatalf("first complete should win")
	}
	// The abandoned run's late result must be discarded.
	if _, ok := m.Complete(a.ID, models.StatusCompleted, ""); ok {
		t.Fatalf("late complete should be a no-op")
	}

	st, err := m.StatusBySession("s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != models.StatusTimeout || st.ErrorMessage == "" || st.CompletedAt == nil {
		t.Fatalf("timeout not recorded: %+v", st)
	}
}

func TestStatusIsIdempotent(t *testing.T) {
	m := newTestManager(t, 10, nil)
	m.Enqueue("s1", models.ModeQuick)
	m.Enqueue("s2", models.ModeQuick)

	first, err := m.StatusBySession("s2")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := m.StatusBySession("s2")
		if err != nil {
			t.Fatalf("status #%d: %v", i, err)
		}
		if !reflect.DeepEqual(again, first) {
			t.Fatalf("status changed state: %+v vs %+v", again, first)
		}
	}
}

func TestTerminalEntriesRetainedThenDropped(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, 10, clock)

	a, _ := m.Enqueue("s1", models.ModeQuick)
	m.Next()
	m.Complete(a.ID, models.StatusCompleted, "")

	if _, err := m.StatusBySession("s1"); err != nil {
		t.Fatalf("terminal entry should remain pollable: %v", err)
	}

	clock.Advance(6 * time.Minute)
	if _, err := m.StatusBySession("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale terminal entry should be gone, got err = %v", err)
	}
}

func TestEstimateSmoothsCompletedDurations(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, 10, clock)

	if est := m.Estimate(2); est.WaitSeconds != 180 {
		t.Fatalf("seeded estimate for position 2 = %d, want 180", est.WaitSeconds)
	}
	if est := m.Estimate(0); est.WaitFormatted != "Now" {
		t.Fatalf("estimate for position 0 = %q, want Now", est.WaitFormatted)
	}

	a, _ := m.Enqueue("s1", models.ModeQuick)
	m.Next()
	clock.Advance(30 * time.Second)
	m.Complete(a.ID, models.StatusCompleted, "")

	// EWMA with alpha 0.3: 0.3*30 + 0.7*90 = 72.
	if est := m.Estimate(1); est.WaitSeconds != 72 {
		t.Fatalf("smoothed estimate = %d, want 72", est.WaitSeconds)
	}
	if est := m.Estimate(2); est.WaitFormatted != "2m 24s" {
		t.Fatalf("formatted estimate = %q, want 2m 24s", est.WaitFormatted)
	}
}

func TestInfoSnapshot(t *testing.T) {
	m := newTestManager(t, 6, nil)
	m.Enqueue("s1", models.ModeQuick)
	m.Enqueue("s2", models.ModeQuick)
	m.Next()

	info := m.Info()
	if info.QueueLength != 1 || !info.IsProcessing {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.DailyQuota.Used != 1 || info.DailyQuota.Remaining != 5 {
		t.Fatalf("unexpected quota in info: %+v", info.DailyQuota)
	}
}
