package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-beacon/internal/metrics"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), Policy{MaxAttempts: 5, Sleep: noSleep}, func(context.Context) error {
		calls++
		if calls < 3 {
			return sdk.Transient(errors.New("gateway busy"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	attempts, err := Retry(context.Background(), Policy{MaxAttempts: 5, Sleep: noSleep}, func(context.Context) error {
		return sdk.Permanent(errors.New("bad number"))
	})
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, sdk.ErrPermanentDelivery))
}

func TestRetry_Exhausts(t *testing.T) {
	var pauses []time.Duration
	p := Policy{
		MaxAttempts:    4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			pauses = append(pauses, d)
			return nil
		},
	}
	attempts, err := Retry(context.Background(), p, func(context.Context) error {
		return errors.New("unclassified")
	})
	assert.Equal(t, 4, attempts)
	assert.Error(t, err)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, pauses)
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts, err := Retry(ctx, DefaultPolicy(), func(context.Context) error {
		return sdk.Transient(errors.New("down"))
	})
	assert.Equal(t, 1, attempts)
	assert.Error(t, err)
}

func TestWebhookDeliverer_Classification(t *testing.T) {
	status := http.StatusOK
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(srv.URL, "secret", time.Second)
	msg := Message{UserID: "b", Channel: schema.ChannelSMS, Address: "+15550100", Title: "t", Priority: schema.PriorityHigh}

	require.NoError(t, d.Deliver(context.Background(), msg))
	assert.Equal(t, "+15550100", got.Address)

	status = http.StatusServiceUnavailable
	err := d.Deliver(context.Background(), msg)
	assert.True(t, errors.Is(err, sdk.ErrTransientDelivery), "got %v", err)

	status = http.StatusTooManyRequests
	assert.True(t, sdk.IsRetryable(d.Deliver(context.Background(), msg)))

	status = http.StatusBadRequest
	err = d.Deliver(context.Background(), msg)
	assert.True(t, errors.Is(err, sdk.ErrPermanentDelivery), "got %v", err)
}

func TestWebhookDeliverer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewWebhookDeliverer(url, "", 100*time.Millisecond).Deliver(context.Background(), Message{Channel: schema.ChannelPush})
	assert.True(t, errors.Is(err, sdk.ErrTransientDelivery), "got %v", err)
}

func TestRouter(t *testing.T) {
	var used string
	r := Router{
		Routes: map[schema.Channel]Deliverer{
			schema.ChannelSMS: Func(func(context.Context, Message) error { used = "sms"; return nil }),
		},
	}
	require.NoError(t, r.Deliver(context.Background(), Message{Channel: schema.ChannelSMS}))
	assert.Equal(t, "sms", used)

	err := r.Deliver(context.Background(), Message{Channel: schema.ChannelCall})
	assert.True(t, errors.Is(err, sdk.ErrPermanentDelivery))

	r.Default = LogDeliverer{}
	assert.NoError(t, r.Deliver(context.Background(), Message{Channel: schema.ChannelCall}))
}

func TestInstrumentedAndAlerter(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	d := Instrumented(Func(func(context.Context, Message) error {
		return sdk.Transient(errors.New("x"))
	}), m)
	_ = d.Deliver(context.Background(), Message{Channel: schema.ChannelPush})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryAttempts.WithLabelValues("push", "transient")))

	LogAlerter{Metrics: m}.Alert(context.Background(), Alert{Reason: "escalation_exhausted", UserID: "a", Revision: 2})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationalAlerts.WithLabelValues("escalation_exhausted")))
}
