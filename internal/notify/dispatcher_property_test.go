package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/celerix-dev/celerix-beacon/internal/clock"
	"github.com/celerix-dev/celerix-beacon/internal/directory"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
)

// Property: for any quiet-hours window and any time of day, a red status is
// never suppressed and a yellow one is suppressed exactly when the time
// falls inside the window.
func TestQuietHoursNeverSilenceRed(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("red bypasses quiet hours", prop.ForAll(
		func(startMin, endMin, nowMin int) bool {
			ctx := context.Background()
			dir := directory.NewMemStore(directory.Snapshot{}, nil)
			if _, err := dir.PutUser(ctx, schema.User{ID: "b", Username: "b"}); err != nil {
				return false
			}
			s, _ := dir.GetSettings(ctx, "b")
			s.Notifications.QuietHours = schema.QuietHours{
				Enabled: true,
				Start:   fmt.Sprintf("%02d:%02d", startMin/60, startMin%60),
				End:     fmt.Sprintf("%02d:%02d", endMin/60, endMin%60),
			}
			if _, err := dir.PutSettings(ctx, s); err != nil {
				return false
			}
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(nowMin) * time.Minute)
			d := NewDispatcher(NewMemoryStore(), dir, &sent{}, Options{Clock: clock.NewFake(now)})

			event := func(status schema.Status, rev int64) schema.RealtimeEvent {
				ev, _ := schema.NewEvent(schema.EventStatusUpdate, "b", schema.StatusPayload{UserID: "a", Status: status, Revision: rev})
				ev.SourceUserID, ev.Revision = "a", rev
				return ev
			}
			red, err := d.OnRealtimeEvent(ctx, event(schema.StatusRed, 1))
			if err != nil || red.Suppressed {
				return false
			}
			yellow, err := d.OnRealtimeEvent(ctx, event(schema.StatusYellow, 2))
			if err != nil {
				return false
			}
			return yellow.Suppressed == InQuietHours(s.Notifications.QuietHours, "UTC", now)
		},
		gen.IntRange(0, 24*60-1),
		gen.IntRange(0, 24*60-1),
		gen.IntRange(0, 24*60-1),
	))

	properties.TestingRun(t)
}
