package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDaemonArgs(t *testing.T) {
	tests := []struct {
		name string
		opts SpawnOptions
		want []string
	}{
		{name: "fresh start", opts: SpawnOptions{}, want: []string{"daemon"}},
		{name: "recovery", opts: SpawnOptions{Recover: true}, want: []string{"daemon", "--recover"}},
		{
			name: "custom config",
			opts: SpawnOptions{ConfigPath: "/etc/kioskd.yaml", Recover: true},
			want: []string{"daemon", "--config", "/etc/kioskd.yaml", "--recover"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaemonArgs(tt.opts))
		})
	}
}

// TestStartDaemonWithPath_MissingBinary verifies spawn errors surface to the caller.
func TestStartDaemonWithPath_MissingBinary(t *testing.T) {
	err := StartDaemonWithPath("/nonexistent/kioskd", SpawnOptions{})
	assert.Error(t, err)
}
