package infra

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

var testTarget = domain.TargetApp{
	ID:            "com.example.browser",
	LaunchCommand: []string{"/usr/bin/browser", "--kiosk"},
	ProcessNames:  []string{"browser", "browser-bin"},
}

func TestCommandLauncher_Launch(t *testing.T) {
	runner := &mockCommandRunner{}
	l := NewCommandLauncher(runner, zap.NewNop())
	assert.True(t, l.LastLaunch().IsZero())

	require.NoError(t, l.Launch(context.Background(), testTarget))
	assert.Equal(t, []string{"/usr/bin/browser --kiosk"}, runner.started())
	assert.False(t, l.LastLaunch().IsZero())
	assert.Equal(t, 1001, l.LastPID())
}

func TestCommandLauncher_Failures(t *testing.T) {
	tests := []struct {
		name   string
		target domain.TargetApp
		runErr error
	}{
		{name: "no launch command", target: domain.TargetApp{ID: "x"}},
		{name: "start fails", target: testTarget, runErr: errors.New("exec: not found")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewCommandLauncher(&mockCommandRunner{runErr: tt.runErr}, nil)
			err := l.Launch(context.Background(), tt.target)
			assert.ErrorIs(t, err, domain.ErrTargetLaunch)
			assert.True(t, l.LastLaunch().IsZero())
		})
	}
}

func TestCombineSignals(t *testing.T) {
	I, A, D := domain.SignalInconclusive, domain.SignalAlive, domain.SignalDead

	tests := []struct {
		name    string
		signals []domain.Signal
		want    bool
	}{
		{name: "no signals", signals: nil, want: true},
		{name: "all inconclusive", signals: []domain.Signal{I, I}, want: true},
		{name: "any alive wins", signals: []domain.Signal{D, A}, want: true},
		{name: "dead and inconclusive", signals: []domain.Signal{D, I}, want: false},
		{name: "all dead", signals: []domain.Signal{D, D}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CombineSignals(tt.signals...))
		})
	}
}

type stubLauncher struct{ last time.Time }

func (s *stubLauncher) Launch(ctx context.Context, target domain.TargetApp) error { return nil }
func (s *stubLauncher) LastLaunch() time.Time                                   { return s.last }

func TestProcessLivenessProbe(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		byName     map[string][]int
		findErr    error
		lastLaunch time.Time
		target     domain.TargetApp
		want       bool
	}{
		{
			name:   "process present",
			byName: map[string][]int{"browser-bin": {42}},
			target: testTarget,
			want:   true,
		},
		{
			name:   "process absent, never launched",
			target: testTarget,
			want:   false,
		},
		{
			name:       "process absent, launched recently",
			lastLaunch: now.Add(-5 * time.Second),
			target:     testTarget,
			want:       true,
		},
		{
			name:       "process absent, launch long ago",
			lastLaunch: now.Add(-time.Minute),
			target:     testTarget,
			want:       false,
		},
		{
			name:    "process table unreadable",
			findErr: errors.New("permission denied"),
			target:  testTarget,
			want:    true,
		},
		{
			name:   "no process patterns",
			target: domain.TargetApp{ID: "opaque"},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := newMockProcessManager()
			if tt.byName != nil {
				pm.byName = tt.byName
			}
			pm.findErr = tt.findErr

			probe := NewProcessLivenessProbe(pm, &stubLauncher{last: tt.lastLaunch}, DefaultActivityWindow, zap.NewNop())
			probe.now = func() time.Time { return now }

			assert.Equal(t, tt.want, probe.IsTargetAlive(context.Background(), tt.target))
		})
	}
}

func TestCommandPinner(t *testing.T) {
	runner := &mockCommandRunner{}
	p := NewCommandPinner([]string{"kiosk-pin"}, []string{"kiosk-unpin"}, runner, zap.NewNop())

	require.NoError(t, p.Engage(context.Background(), testTarget))
	assert.True(t, p.Engaged())

	require.NoError(t, p.Release(context.Background()))
	assert.False(t, p.Engaged())
	assert.Equal(t, []string{"kiosk-pin " + testTarget.ID, "kiosk-unpin"}, runner.ran())
}

func TestCommandPinner_Failures(t *testing.T) {
	t.Run("no pin command", func(t *testing.T) {
		p := NewCommandPinner(nil, nil, &mockCommandRunner{}, zap.NewNop())
		assert.ErrorIs(t, p.Engage(context.Background(), testTarget), ErrNoPinCommand)
		assert.False(t, p.Engaged())
	})

	t.Run("pin command fails", func(t *testing.T) {
		p := NewCommandPinner([]string{"kiosk-pin"}, nil, &mockCommandRunner{runErr: errors.New("exit status 1")}, zap.NewNop())
		assert.Error(t, p.Engage(context.Background(), testTarget))
		assert.False(t, p.Engaged())
	})

	t.Run("unpin failure keeps pinned flag", func(t *testing.T) {
		runner := &mockCommandRunner{}
		p := NewCommandPinner([]string{"kiosk-pin"}, []string{"kiosk-unpin"}, runner, zap.NewNop())
		require.NoError(t, p.Engage(context.Background(), testTarget))

		runner.runErr = errors.New("exit status 1")
		assert.Error(t, p.Release(context.Background()))
		assert.True(t, p.Engaged())
	})
}

func TestCommandSuppressor(t *testing.T) {
	t.Run("empty command is a no-op", func(t *testing.T) {
		runner := &mockCommandRunner{}
		s := NewCommandSuppressor(nil, runner)
		assert.NoError(t, s.Suppress(context.Background()))
		assert.Empty(t, runner.ran())
	})

	t.Run("runs configured command", func(t *testing.T) {
		runner := &mockCommandRunner{}
		s := NewCommandSuppressor([]string{"hide-bars", "--all"}, runner)
		assert.NoError(t, s.Suppress(context.Background()))
		assert.Equal(t, []string{"hide-bars --all"}, runner.ran())
	})

	t.Run("failure is returned", func(t *testing.T) {
		s := NewCommandSuppressor([]string{"hide-bars"}, &mockCommandRunner{runErr: errors.New("boom")})
		assert.Error(t, s.Suppress(context.Background()))
	})
}

func TestExecCommandRunner(t *testing.T) {
	r := NewExecCommandRunner(time.Second)

	assert.Error(t, r.Run(context.Background(), nil))
	_, err := r.Start(nil)
	assert.Error(t, err)

	out, err := r.Output(context.Background(), []string{"echo", "kiosk"})
	require.NoError(t, err)
	assert.Equal(t, "kiosk\n", string(out))

	assert.Error(t, r.Run(context.Background(), []string{"false"}))
}
