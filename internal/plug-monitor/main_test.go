package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DasAuto39/plug-controller/retained"
	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcArgsConfigDir(t *testing.T) {
	args, err := procArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, goconfig.DefaultConfigDir, args.ConfigDir)

	args, err = procArgs([]string{"--config", "/tmp/plug"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/plug", args.ConfigDir)
}

func TestConfigChangeSavesStateBeforeRestart(t *testing.T) {
	dir := writeConfig(t, "[plug]\npower-limit = 80.0\n")
	conf, err := ParsePlugConfig(dir)
	require.NoError(t, err)

	ctx, stop := context.WithCancelCause(context.Background())
	defer stop(nil)
	watchErr := make(chan error, 1)
	go func() { watchErr <- checkConfigChanges(ctx, conf, dir, stop) }()

	st := &retained.State{Version: "v1", WakeCount: 7}
	st.CommitReport(watts(42))

	limit := 90
	require.Eventually(t, func() bool {
		limit++
		content := fmt.Sprintf("[plug]\npower-limit = %d.0\n", limit)
		if err := os.WriteFile(filepath.Join(dir, goconfig.ConfigFileName), []byte(content), 0644); err != nil {
			return false
		}
		return ctx.Err() != nil
	}, 5*time.Second, 100*time.Millisecond)
	require.NoError(t, <-watchErr)
	assert.ErrorIs(t, context.Cause(ctx), errConfigChanged)

	path := filepath.Join(t.TempDir(), "state")
	out := &fakeOutput{energized: true}
	sleeper := &fakeSleeper{}
	require.NoError(t, finishWake(context.Cause(ctx), st, retained.NewFileStore(path), out, sleeper, 5*time.Second))
	assert.True(t, out.held)
	assert.Empty(t, sleeper.slept)

	loaded := retained.LoadOrReset(retained.NewFileStore(path), "v1")
	assert.True(t, loaded.HasReported)
	assert.Equal(t, 42.0, loaded.LastReported.Power)
	assert.Equal(t, 7, loaded.WakeCount)
}

func TestConfigWatcherStopsWithContext(t *testing.T) {
	dir := writeConfig(t, "[plug]\n")
	conf, err := ParsePlugConfig(dir)
	require.NoError(t, err)

	ctx, stop := context.WithCancelCause(context.Background())
	watchErr := make(chan error, 1)
	go func() { watchErr <- checkConfigChanges(ctx, conf, dir, stop) }()
	stop(nil)

	select {
	case err := <-watchErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("config watcher did not stop")
	}
}

func TestFinishWakeIdleSleeps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	out := &fakeOutput{}
	sleeper := &fakeSleeper{}
	st := &retained.State{Version: "v1", WakeCount: 3, RelayCutoff: true}

	require.NoError(t, finishWake(nil, st, retained.NewFileStore(path), out, sleeper, 5*time.Second))
	assert.True(t, out.held)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeper.slept)

	loaded := retained.LoadOrReset(retained.NewFileStore(path), "v1")
	assert.True(t, loaded.RelayCutoff)
	assert.Equal(t, 3, loaded.WakeCount)
}
