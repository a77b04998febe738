package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepTimeoutStaysBelowLease(t *testing.T) {
	tests := []struct {
		name    string
		lease   time.Duration
		timeout time.Duration
		want    time.Duration
	}{
		{"default", 0, 0, 20 * time.Second},
		{"derived from lease", 9 * time.Second, 0, 6 * time.Second},
		{"kept", 30 * time.Second, 5 * time.Second, 5 * time.Second},
		{"clamped", 30 * time.Second, time.Minute, 20 * time.Second},
		{"equal to lease", 30 * time.Second, 30 * time.Second, 20 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Lease: tt.lease, StepTimeout: tt.timeout}.withDefaults()
			assert.Equal(t, tt.want, cfg.StepTimeout)
			assert.Less(t, cfg.StepTimeout, cfg.Lease)
		})
	}
}
