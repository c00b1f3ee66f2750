package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-beacon/internal/clock"
	"github.com/celerix-dev/celerix-beacon/internal/delivery"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

type staticProtocols map[string]schema.CrisisProtocol

func (p staticProtocols) ProtocolFor(userID string) (schema.CrisisProtocol, bool) {
	proto, ok := p[userID]
	if !ok || !proto.Enabled {
		return schema.CrisisProtocol{}, false
	}
	return proto, true
}

type fakeRevisions struct {
	mu   sync.Mutex
	revs map[string]int64
}

func (f *fakeRevisions) set(userID string, rev int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revs == nil {
		f.revs = make(map[string]int64)
	}
	f.revs[userID] = rev
}

func (f *fakeRevisions) CurrentRevision(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revs[userID], nil
}

type fakeFriends []schema.Friendship

func (f fakeFriends) GetFriendships(_ context.Context, userID string, state schema.FriendshipState) ([]schema.Friendship, error) {
	var out []schema.Friendship
	for _, fr := range f {
		if (fr.RequesterID == userID || fr.RecipientID == userID) && (state == "" || fr.State == state) {
			out = append(out, fr)
		}
	}
	return out, nil
}

type recorder struct {
	mu      sync.Mutex
	actions []schema.StepAction
	fail    bool
}

func (r *recorder) Execute(_ context.Context, _ schema.EscalationRun, step schema.CrisisStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, step.Action)
	if r.fail {
		return sdk.Permanent(errors.New("provider down"))
	}
	return nil
}

func (r *recorder) executed() []schema.StepAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.StepAction(nil), r.actions...)
}

type alertLog struct {
	mu     sync.Mutex
	alerts []delivery.Alert
}

func (a *alertLog) Alert(_ context.Context, al delivery.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
}

func (a *alertLog) reasons() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, al := range a.alerts {
		out = append(out, al.Reason)
	}
	return out
}

func testProtocol() schema.CrisisProtocol {
	return schema.CrisisProtocol{
		ID:      "standard",
		Name:    "Standard",
		Enabled: true,
		Steps: []schema.CrisisStep{
			{Order: 2, Action: schema.ActionNotifyFriends, TimeoutSeconds: 60, Required: true},
			{Order: 1, Action: schema.ActionCheckIn, TimeoutSeconds: 60, Required: true},
			{Order: 3, Action: schema.ActionAlertOperations},
		},
		EscalateYellow:     true,
		YellowGraceSeconds: 120,
	}
}

type harness struct {
	sched   *Scheduler
	store   *MemoryStore
	clk     *clock.Fake
	revs    *fakeRevisions
	exec    *recorder
	alerts  *alertLog
	friends fakeFriends
}

func newHarness(t *testing.T, proto schema.CrisisProtocol) *harness {
	t.Helper()
	h := &harness{
		store:  NewMemoryStore(),
		clk:    clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		revs:   &fakeRevisions{},
		exec:   &recorder{},
		alerts: &alertLog{},
		friends: fakeFriends{
			{ID: "f1", RequesterID: "alice", RecipientID: "bob", State: schema.FriendshipAccepted},
			{ID: "f2", RequesterID: "alice", RecipientID: "carol", State: schema.FriendshipPending},
		},
	}
	h.sched = h.newScheduler(staticProtocols{"alice": proto})
	t.Cleanup(func() { _ = h.sched.Close() })
	return h
}

func (h *harness) newScheduler(p Protocols) *Scheduler {
	return NewScheduler(h.store, p, h.revs, h.friends, h.exec, Options{Clock: h.clk, Alerter: h.alerts})
}

func (h *harness) status(t *testing.T, rev int64, st schema.Status) {
	t.Helper()
	h.revs.set("alice", rev)
	require.NoError(t, h.sched.OnStatusChanged(context.Background(), schema.StatusChanged{
		UserID: "alice", Revision: rev, Status: st, Timestamp: h.clk.Now(),
	}))
}

func (h *harness) waitFor(t *testing.T, state schema.RunState, step int) schema.EscalationRun {
	t.Helper()
	var run schema.EscalationRun
	require.Eventually(t, func() bool {
		r, err := h.sched.Get(context.Background(), "alice")
		if err != nil {
			return false
		}
		run = r
		return r.State == state && r.StepIndex == step
	}, 2*time.Second, 5*time.Millisecond, "want %s at step %d", state, step)
	return run
}

func TestScheduler_RedRunsEveryStepInOrderThenAlerts(t *testing.T) {
	h := newHarness(t, testProtocol())
	h.status(t, 1, schema.StatusRed)

	run := h.waitFor(t, schema.RunWaitingAck, 0)
	require.NotNil(t, run.Deadline)
	assert.Equal(t, h.clk.Now().Add(time.Minute), *run.Deadline)
	assert.Equal(t, []schema.StepAction{schema.ActionCheckIn}, h.exec.executed())

	h.clk.Advance(time.Minute)
	h.waitFor(t, schema.RunWaitingAck, 1)

	h.clk.Advance(time.Minute)
	run = h.waitFor(t, schema.RunCompleted, 2)
	assert.Equal(t, []schema.StepAction{
		schema.ActionCheckIn, schema.ActionNotifyFriends, schema.ActionAlertOperations,
	}, h.exec.executed())
	assert.Len(t, run.StepResults, 3)
	assert.NotNil(t, run.EndedAt)
	assert.Equal(t, []string{AlertCompleted}, h.alerts.reasons())

	stored, ok, err := h.store.Get(context.Background(), "alice", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema.RunCompleted, stored.State)
}

func TestScheduler_AcknowledgeStopsTimers(t *testing.T) {
	h := newHarness(t, testProtocol())
	h.status(t, 1, schema.StatusRed)
	h.waitFor(t, schema.RunWaitingAck, 0)

	run, err := h.sched.Acknowledge(context.Background(), "alice", "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, schema.RunAcknowledged, run.State)
	assert.Equal(t, "bob", run.AcknowledgedBy)
	assert.Zero(t, h.clk.Pending())

	h.clk.Advance(time.Hour)
	assert.Equal(t, []schema.StepAction{schema.ActionCheckIn}, h.exec.executed())

	again, err := h.sched.Acknowledge(context.Background(), "alice", "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, "bob", again.AcknowledgedBy)
	assert.Empty(t, h.alerts.reasons())
}

func TestScheduler_AcknowledgeRequiresUserOrAcceptedFriend(t *testing.T) {
	h := newHarness(t, testProtocol())
	h.status(t, 1, schema.StatusRed)
	h.waitFor(t, schema.RunWaitingAck, 0)

	_, err := h.sched.Acknowledge(context.Background(), "alice", "carol", 1)
	assert.ErrorIs(t, err, sdk.ErrNotPermitted)

	_, err = h.sched.Acknowledge(context.Background(), "alice", "alice", 7)
	assert.ErrorIs(t, err, sdk.ErrNotFound)

	_, err = h.sched.Acknowledge(context.Background(), "dave", "dave", 0)
	assert.ErrorIs(t, err, sdk.ErrNotFound)
}

func TestScheduler_NewerRevisionSupersedes(t *testing.T) {
	h := newHarness(t, testProtocol())
	h.status(t, 1, schema.StatusRed)
	h.waitFor(t, schema.RunWaitingAck, 0)

	h.status(t, 2, schema.StatusGreen)
	stored, ok, err := h.store.Get(context.Background(), "alice", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema.RunSuperseded, stored.State)
	assert.Zero(t, h.clk.Pending())

	_, err = h.sched.Acknowledge(context.Background(), "alice", "alice", 1)
	assert.ErrorIs(t, err, sdk.ErrConflict)

	h.clk.Advance(time.Hour)
	assert.Len(t, h.exec.executed(), 1)
}

func TestScheduler_TimerChecksLedgerBeforeAdvancing(t *testing.T) {
	h := newHarness(t, testProtocol())
	h.status(t, 1, schema.StatusRed)
	h.waitFor(t, schema.RunWaitingAck, 0)

	// The ledger moved on but its event has not reached the scheduler yet.
	h.revs.set("alice", 2)
	h.clk.Advance(time.Minute)

	run, err := h.sched.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuperseded, run.State)
	assert.Len(t, h.exec.executed(), 1)
}

func TestScheduler_YellowGraceThenEscalates(t *testing.T) {
	h := newHarness(t, testProtocol())
	h.status(t, 1, schema.StatusYellow)

	run, err := h.sched.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, schema.RunGrace, run.State)
	assert.Empty(t, h.exec.executed())

	h.clk.Advance(2 * time.Minute)
	h.waitFor(t, schema.RunWaitingAck, 0)
	assert.Equal(t, []schema.StepAction{schema.ActionCheckIn}, h.exec.executed())
}

func TestScheduler_YellowToGreenSupersedesGrace(t *testing.T) {
	h := newHarness(t, testProtocol())
	h.status(t, 1, schema.StatusYellow)
	h.status(t, 2, schema.StatusGreen)

	h.clk.Advance(time.Hour)
	assert.Empty(t, h.exec.executed())
	stored, _, err := h.store.Get(context.Background(), "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuperseded, stored.State)
}

func TestScheduler_YellowIgnoredWithoutEscalateYellow(t *testing.T) {
	proto := testProtocol()
	proto.EscalateYellow = false
	h := newHarness(t, proto)
	h.status(t, 1, schema.StatusYellow)

	_, err := h.sched.Get(context.Background(), "alice")
	assert.ErrorIs(t, err, sdk.ErrNotFound)
}

func TestScheduler_DisabledProtocolNeverStarts(t *testing.T) {
	proto := testProtocol()
	proto.Enabled = false
	h := newHarness(t, proto)
	h.status(t, 1, schema.StatusRed)

	_, err := h.sched.Get(context.Background(), "alice")
	assert.ErrorIs(t, err, sdk.ErrNotFound)
}

func TestScheduler_RepublishedRevisionIsIgnored(t *testing.T) {
	h := newHarness(t, testProtocol())
	h.status(t, 1, schema.StatusRed)
	first := h.waitFor(t, schema.RunWaitingAck, 0)

	h.status(t, 1, schema.StatusRed)
	run, err := h.sched.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, run.ID)
	assert.Len(t, h.exec.executed(), 1)
}

func TestScheduler_RequiredStepWithoutTimeoutWaits(t *testing.T) {
	proto := testProtocol()
	proto.Steps = []schema.CrisisStep{{Order: 1, Action: schema.ActionCheckIn, Required: true}}
	h := newHarness(t, proto)
	h.status(t, 1, schema.StatusRed)

	run := h.waitFor(t, schema.RunWaitingAck, 0)
	assert.Nil(t, run.Deadline)
	assert.Zero(t, h.clk.Pending())

	h.clk.Advance(24 * time.Hour)
	run, err := h.sched.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, schema.RunWaitingAck, run.State)
}

func TestScheduler_AllStepsFailedRaisesAlert(t *testing.T) {
	proto := testProtocol()
	proto.Steps = []schema.CrisisStep{
		{Order: 1, Action: schema.ActionContactEmergency},
		{Order: 2, Action: schema.ActionNotifyFriends},
	}
	h := newHarness(t, proto)
	h.exec.fail = true
	h.status(t, 1, schema.StatusRed)

	run := h.waitFor(t, schema.RunCompleted, 1)
	require.Len(t, run.StepResults, 2)
	assert.Equal(t, schema.StepFailed, run.StepResults[0].Outcome)
	assert.Contains(t, run.StepResults[1].Error, "provider down")
	assert.ElementsMatch(t, []string{AlertCompleted, AlertFailed}, h.alerts.reasons())
}

func TestScheduler_ResumeRearmsRemainingTime(t *testing.T) {
	h := newHarness(t, testProtocol())
	h.status(t, 1, schema.StatusRed)
	h.waitFor(t, schema.RunWaitingAck, 0)
	require.NoError(t, h.sched.Close())

	// A new process picks the run up 45 seconds later.
	h.clk.Advance(45 * time.Second)
	h.exec = &recorder{}
	resumed := h.newScheduler(staticProtocols{"alice": testProtocol()})
	t.Cleanup(func() { _ = resumed.Close() })
	h.sched = resumed

	n, err := resumed.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.clk.Advance(14 * time.Second)
	assert.Empty(t, h.exec.executed())
	h.clk.Advance(time.Second)
	h.waitFor(t, schema.RunWaitingAck, 1)
	assert.Equal(t, []schema.StepAction{schema.ActionNotifyFriends}, h.exec.executed())
}

func TestScheduler_ResumeSupersedesStaleRuns(t *testing.T) {
	h := newHarness(t, testProtocol())
	h.status(t, 1, schema.StatusRed)
	h.waitFor(t, schema.RunWaitingAck, 0)
	require.NoError(t, h.sched.Close())

	h.revs.set("alice", 3)
	resumed := h.newScheduler(staticProtocols{"alice": testProtocol()})
	t.Cleanup(func() { _ = resumed.Close() })

	n, err := resumed.Resume(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	run, err := resumed.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuperseded, run.State)
}

func TestScheduler_CloseLeavesInterruptedStepArmed(t *testing.T) {
	started := make(chan struct{})
	h := &harness{
		store:  NewMemoryStore(),
		clk:    clock.NewFake(time.Unix(0, 0).UTC()),
		revs:   &fakeRevisions{},
		alerts: &alertLog{},
	}
	block := ExecutorFunc(func(ctx context.Context, _ schema.EscalationRun, _ schema.CrisisStep) error {
		close(started)
		<-ctx.Done()
		return sdk.Transient(ctx.Err())
	})
	h.sched = NewScheduler(h.store, staticProtocols{"alice": testProtocol()}, h.revs, nil, block, Options{Clock: h.clk, Alerter: h.alerts})
	h.status(t, 1, schema.StatusRed)
	<-started

	require.NoError(t, h.sched.Close())
	stored, ok, err := h.store.Get(context.Background(), "alice", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema.RunArmed, stored.State)
	assert.Empty(t, stored.StepResults)

	assert.ErrorIs(t, h.sched.OnStatusChanged(context.Background(), schema.StatusChanged{UserID: "alice", Revision: 2, Status: schema.StatusRed}), ErrClosed)
}

// brokenStore fails every read and write.
type brokenStore struct{ *MemoryStore }

var errDiskGone = errors.New("disk gone")

func (brokenStore) Get(context.Context, string, int64) (schema.EscalationRun, bool, error) {
	return schema.EscalationRun{}, false, errDiskGone
}

func (brokenStore) Put(context.Context, schema.EscalationRun) error { return errDiskGone }

func TestScheduler_UnreadableStoreStillEscalatesAndAlerts(t *testing.T) {
	h := newHarness(t, testProtocol())
	sched := NewScheduler(brokenStore{NewMemoryStore()}, staticProtocols{"alice": testProtocol()},
		h.revs, h.friends, h.exec, Options{Clock: h.clk, Alerter: h.alerts})
	t.Cleanup(func() { _ = sched.Close() })

	h.revs.set("alice", 1)
	require.NoError(t, sched.OnStatusChanged(context.Background(), schema.StatusChanged{
		UserID: "alice", Revision: 1, Status: schema.StatusRed, Timestamp: h.clk.Now(),
	}))

	require.Eventually(t, func() bool {
		run, err := sched.Get(context.Background(), "alice")
		return err == nil && run.State == schema.RunWaitingAck
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []schema.StepAction{schema.ActionCheckIn}, h.exec.executed())

	reasons := h.alerts.reasons()
	require.NotEmpty(t, reasons)
	for _, r := range reasons {
		assert.Equal(t, AlertStoreFailed, r)
	}
}

func TestScheduler_GreenWithBrokenStoreRaisesNoAlert(t *testing.T) {
	h := newHarness(t, testProtocol())
	sched := NewScheduler(brokenStore{NewMemoryStore()}, staticProtocols{"alice": testProtocol()},
		h.revs, h.friends, h.exec, Options{Clock: h.clk, Alerter: h.alerts})
	t.Cleanup(func() { _ = sched.Close() })

	require.NoError(t, sched.OnStatusChanged(context.Background(), schema.StatusChanged{
		UserID: "alice", Revision: 1, Status: schema.StatusGreen, Timestamp: h.clk.Now(),
	}))
	assert.Empty(t, h.alerts.reasons())
}
