package svc

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramStartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "/etc/artifactstore/test.yaml",
		Run: func(ctx context.Context, configPath string) error {
			started <- configPath
			<-ctx.Done()
			return ctx.Err()
		},
	}
	require.NoError(t, prg.Start(nil))

	select {
	case path := <-started:
		assert.Equal(t, "/etc/artifactstore/test.yaml", path)
	case <-time.After(2 * time.Second):
		t.Fatal("run function was not started")
	}
	assert.NoError(t, prg.Stop(nil), "context cancellation is a clean stop")
}

func TestProgramStopReportsRunError(t *testing.T) {
	prg := &Program{Run: func(context.Context, string) error {
		return errors.New("bind failed")
	}}
	require.NoError(t, prg.Start(nil))
	assert.EqualError(t, prg.Stop(nil), "bind failed")
}

func TestProgramWithoutRun(t *testing.T) {
	assert.Error(t, (&Program{}).Start(nil))
	assert.NoError(t, (&Program{}).Stop(nil))
}

func TestNewServiceConfig(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.ConfigPath = "/srv/artifactstore.yaml"
	cfg.UserName = "artifacts"

	svcCfg := NewServiceConfig(cfg)
	assert.Equal(t, "artifactstore", svcCfg.Name)
	assert.Equal(t, []string{"serve", "--config", "/srv/artifactstore.yaml", ServiceRunFlag}, svcCfg.Arguments)
	if runtime.GOOS == "linux" {
		assert.Equal(t, "artifacts", svcCfg.UserName)
		assert.Equal(t, "on-failure", svcCfg.Option["Restart"])
	}
}

func TestIsServiceMode(t *testing.T) {
	assert.True(t, IsServiceMode([]string{"artifactstore", "serve", ServiceRunFlag}))
	assert.False(t, IsServiceMode([]string{"artifactstore", "serve"}))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}

func TestControlRejectsUnknownAction(t *testing.T) {
	err := Control(DefaultServiceConfig(), "install")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service action")
}

func TestLogCommand(t *testing.T) {
	cmd, err := LogCommand(LogOptions{ServiceName: "artifactstore", Follow: true})
	switch runtime.GOOS {
	case "linux":
		require.NoError(t, err)
		assert.Equal(t, []string{"journalctl", "-u", "artifactstore", "-n", "50", "--no-pager", "-f"}, cmd.Args)
	case "darwin", "windows":
		require.NoError(t, err)
	default:
		assert.Error(t, err)
	}
}
