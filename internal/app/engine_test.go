package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-beacon/internal/clock"
	"github.com/celerix-dev/celerix-beacon/internal/config"
	"github.com/celerix-dev/celerix-beacon/internal/delivery"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

type sentLog struct {
	mu   sync.Mutex
	msgs []delivery.Message
}

func (s *sentLog) Deliver(_ context.Context, msg delivery.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *sentLog) to(address string) []delivery.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery.Message
	for _, m := range s.msgs {
		if m.Address == address {
			out = append(out, m)
		}
	}
	return out
}

type testEngine struct {
	*Engine
	clk    *clock.Fake
	sent   *sentLog
	alerts chan delivery.Alert
}

func testCatalog() config.Catalog {
	c := config.DefaultCatalog()
	c.Protocols[0].EscalateYellow = true
	c.Protocols[0].YellowGraceSeconds = 600
	c.Protocols[0].EmergencyContacts = []schema.EmergencyContact{{Name: "Sam", PhoneNumber: "+15550100", Priority: 1}}
	return c
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	te := &testEngine{
		// 23:30 UTC sits inside the default 22:00-07:00 quiet window.
		clk:    clock.NewFake(time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)),
		sent:   &sentLog{},
		alerts: make(chan delivery.Alert, 16),
	}
	cfg := config.Default()
	cfg.Delivery.InitialBackoff = config.Duration(time.Millisecond)
	e, err := New(Options{
		Config:    cfg,
		InMemory:  true,
		Clock:     te.clk,
		Deliverer: te.sent,
		Alerter:   delivery.AlerterFunc(func(_ context.Context, a delivery.Alert) { te.alerts <- a }),
		Protocols: config.NewStaticRegistry(testCatalog()),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, e.Close()) })
	te.Engine = e
	return te
}

// seed creates alice with bob (accepted, quiet hours on), carol (accepted,
// private) and dave (pending).
func (te *testEngine) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		_, err := te.Directory.PutUser(ctx, schema.User{ID: id, Username: id, DisplayName: id})
		require.NoError(t, err)
	}

	bob := schema.DefaultSettings("bob")
	bob.Notifications.QuietHours.Enabled = true
	_, err := te.Directory.PutSettings(ctx, bob)
	require.NoError(t, err)

	carol := schema.DefaultSettings("carol")
	carol.Privacy.StatusVisibility = schema.VisibilityPrivate
	_, err = te.Directory.PutSettings(ctx, carol)
	require.NoError(t, err)

	for _, friend := range []string{"bob", "carol"} {
		f, err := te.Directory.RequestFriendship(ctx, "alice", friend)
		require.NoError(t, err)
		_, err = te.Directory.RespondFriendship(ctx, f.ID, friend, true)
		require.NoError(t, err)
	}
	_, err = te.Directory.RequestFriendship(ctx, "alice", "dave")
	require.NoError(t, err)
}

func (te *testEngine) notifications(t *testing.T, userID string, typ schema.NotificationType) []schema.Notification {
	t.Helper()
	all, err := te.Dispatcher.List(context.Background(), userID, false, 100)
	require.NoError(t, err)
	var out []schema.Notification
	for _, n := range all {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func (te *testEngine) waitRun(t *testing.T, userID string, state schema.RunState, step int) schema.EscalationRun {
	t.Helper()
	var run schema.EscalationRun
	require.Eventually(t, func() bool {
		r, err := te.Scheduler.Get(context.Background(), userID)
		run = r
		return err == nil && r.State == state && r.StepIndex == step
	}, 3*time.Second, 5*time.Millisecond)
	return run
}

func TestScenario_RedNeedHelp(t *testing.T) {
	te := newTestEngine(t)
	te.seed(t)
	ctx := context.Background()

	rec, err := te.Ledger.SetStatus(ctx, "alice", schema.StatusRed, "need help")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Revision)

	// bob is in quiet hours, but red is high priority and goes out anyway.
	var got schema.Notification
	require.Eventually(t, func() bool {
		list := te.notifications(t, "bob", schema.NotificationStatusUpdate)
		if len(list) != 1 || list[0].DeliveredAt == nil {
			return false
		}
		got = list[0]
		return true
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, schema.PriorityHigh, got.Priority)
	assert.Equal(t, "need help", got.Body)
	assert.Equal(t, "alice", got.SourceUserID)
	assert.Equal(t, int64(1), got.Revision)

	assert.Empty(t, te.notifications(t, "carol", schema.NotificationStatusUpdate))
	assert.Empty(t, te.notifications(t, "dave", schema.NotificationStatusUpdate))

	// Step 1 asks alice directly; without an answer step 2 alerts friends.
	te.waitRun(t, "alice", schema.RunWaitingAck, 0)
	require.Len(t, te.notifications(t, "alice", schema.NotificationSystem), 1)

	te.clk.Advance(5 * time.Minute)
	te.waitRun(t, "alice", schema.RunWaitingAck, 1)
	require.Len(t, te.notifications(t, "bob", schema.NotificationSystem), 1)
	assert.Empty(t, te.notifications(t, "carol", schema.NotificationSystem))

	run, err := te.Scheduler.Acknowledge(ctx, "alice", "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, schema.RunAcknowledged, run.State)

	te.clk.Advance(time.Hour)
	assert.Empty(t, te.sent.to("+15550100"))
}

func TestScenario_RedUnacknowledgedReachesEmergencyContactAndOperations(t *testing.T) {
	te := newTestEngine(t)
	te.seed(t)

	_, err := te.Ledger.SetStatus(context.Background(), "alice", schema.StatusRed, "")
	require.NoError(t, err)

	te.waitRun(t, "alice", schema.RunWaitingAck, 0)
	te.clk.Advance(5 * time.Minute)
	te.waitRun(t, "alice", schema.RunWaitingAck, 1)
	te.clk.Advance(15 * time.Minute)
	te.waitRun(t, "alice", schema.RunWaitingAck, 2)

	sent := te.sent.to("+15550100")
	require.Len(t, sent, 2)
	assert.ElementsMatch(t, []schema.Channel{schema.ChannelSMS, schema.ChannelCall},
		[]schema.Channel{sent[0].Channel, sent[1].Channel})

	te.clk.Advance(30 * time.Minute)
	te.waitRun(t, "alice", schema.RunCompleted, 3)

	var reasons []string
	for len(reasons) < 2 {
		select {
		case a := <-te.alerts:
			reasons = append(reasons, a.Reason)
		case <-time.After(3 * time.Second):
			t.Fatalf("alerts so far: %v", reasons)
		}
	}
	assert.ElementsMatch(t, []string{"escalation_step", "escalation_completed"}, reasons)
}

func TestScenario_YellowThenGreenSupersedes(t *testing.T) {
	te := newTestEngine(t)
	te.seed(t)
	ctx := context.Background()

	_, err := te.Ledger.SetStatus(ctx, "alice", schema.StatusYellow, "rough day")
	require.NoError(t, err)
	run, err := te.Scheduler.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, schema.RunGrace, run.State)

	te.clk.Advance(5 * time.Minute)
	_, err = te.Ledger.SetStatus(ctx, "alice", schema.StatusGreen, "")
	require.NoError(t, err)

	te.clk.Advance(time.Hour)
	run, err = te.Scheduler.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.Revision)
	assert.Equal(t, schema.RunSuperseded, run.State)
	assert.Empty(t, run.StepResults)
	assert.Empty(t, te.notifications(t, "alice", schema.NotificationSystem))

	// Yellow is normal priority, so bob's quiet hours keep it off his phone.
	require.Eventually(t, func() bool {
		return len(te.notifications(t, "bob", schema.NotificationStatusUpdate)) == 2
	}, 3*time.Second, 5*time.Millisecond)
	for _, n := range te.notifications(t, "bob", schema.NotificationStatusUpdate) {
		assert.Nil(t, n.DeliveredAt)
		assert.Empty(t, n.Channels)
	}
}

func TestScenario_DenyThenRecreateFriendship(t *testing.T) {
	te := newTestEngine(t)
	te.seed(t)
	ctx := context.Background()

	pending, err := te.Directory.GetFriendships(ctx, "dave", schema.FriendshipPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = te.Directory.RequestFriendship(ctx, "dave", "alice")
	assert.ErrorIs(t, err, sdk.ErrConflict)

	_, err = te.Directory.RespondFriendship(ctx, pending[0].ID, "dave", false)
	require.NoError(t, err)

	again, err := te.Directory.RequestFriendship(ctx, "alice", "dave")
	require.NoError(t, err)
	assert.Equal(t, schema.FriendshipPending, again.State)

	all, err := te.Directory.GetFriendships(ctx, "dave", "")
	require.NoError(t, err)
	live := 0
	for _, f := range all {
		if f.State != schema.FriendshipDenied {
			live++
		}
	}
	assert.Equal(t, 1, live)

	// Both requests reached dave as friend_request notifications.
	require.Eventually(t, func() bool {
		return len(te.notifications(t, "dave", schema.NotificationFriendRequest)) == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestScenario_RepublishedStatusCreatesNoDuplicates(t *testing.T) {
	te := newTestEngine(t)
	te.seed(t)
	ctx := context.Background()

	rec, err := te.Ledger.SetStatus(ctx, "alice", schema.StatusRed, "need help")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(te.notifications(t, "bob", schema.NotificationStatusUpdate)) == 1
	}, 3*time.Second, 5*time.Millisecond)
	first := te.waitRun(t, "alice", schema.RunWaitingAck, 0)

	// A redelivered change event, as after a bridge replay.
	require.NoError(t, te.Fanout.HandleStatusChanged(ctx, rec.Event()))
	require.NoError(t, te.Scheduler.OnStatusChanged(ctx, rec.Event()))

	require.Never(t, func() bool {
		return len(te.notifications(t, "bob", schema.NotificationStatusUpdate)) > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
	run, err := te.Scheduler.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, run.ID)
}

func TestNewDeliverer_RoutesChannelsToWebhooks(t *testing.T) {
	var smsHits atomic.Int32
	sms := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		smsHits.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer sms.Close()

	cfg := config.Default().Delivery
	cfg.ChannelWebhooks = map[string]string{"sms": sms.URL}
	d := newDeliverer(cfg, slog.Default())

	ctx := context.Background()
	require.NoError(t, d.Deliver(ctx, delivery.Message{Channel: schema.ChannelSMS, Address: "+15550100"}))
	require.NoError(t, d.Deliver(ctx, delivery.Message{Channel: schema.ChannelPush, UserID: "bob"}))
	assert.Equal(t, int32(1), smsHits.Load())
}
