package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
)

func TestInQuietHours(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 4, h, m, 0, 0, time.UTC) }
	overnight := schema.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}
	daytime := schema.QuietHours{Enabled: true, Start: "09:00", End: "17:30"}

	tests := []struct {
		name string
		qh   schema.QuietHours
		tz   string
		now  time.Time
		want bool
	}{
		{"disabled", schema.QuietHours{Start: "00:00", End: "23:59"}, "", at(12, 0), false},
		{"overnight before start", overnight, "UTC", at(21, 59), false},
		{"overnight at start", overnight, "UTC", at(22, 0), true},
		{"overnight after midnight", overnight, "UTC", at(3, 0), true},
		{"overnight at end", overnight, "UTC", at(7, 0), false},
		{"daytime inside", daytime, "UTC", at(17, 29), true},
		{"daytime outside", daytime, "UTC", at(8, 59), false},
		{"empty window", schema.QuietHours{Enabled: true, Start: "10:00", End: "10:00"}, "UTC", at(10, 0), false},
		{"timezone shifts window", overnight, "America/New_York", at(3, 0), true},    // 22:00 or 23:00 local
		{"timezone outside window", overnight, "America/New_York", at(15, 0), false}, // 10:00 or 11:00 local
		{"bad clock", schema.QuietHours{Enabled: true, Start: "late", End: "07:00"}, "UTC", at(3, 0), false},
		{"unknown zone falls back to UTC", overnight, "Mars/Olympus", at(23, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InQuietHours(tt.qh, tt.tz, tt.now))
		})
	}
}
