package supervisor

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/modelctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileMarksProcessDiedWhenChildExits(t *testing.T) {
	s := newTestSupervisor(t)
	done := make(chan struct{})
	close(done)

	s.processes["m1"] = &process{
		done:   done,
		handle: types.ProcessHandle{ModelID: "m1", Port: 18260},
		logs:   newRingBuffer(10),
	}
	require.NoError(t, writePIDFile(s.pidDir, "m1", 99999, 18260))

	s.monitor.reconcile()

	assert.False(t, s.IsRunning("m1"))
	_, err := readPIDFile(pidFilePath(s.pidDir, "m1"))
	assert.Error(t, err, "pid file should be removed once the process is classified ProcessDied")
}

func TestReconcileClassifiesHealthyOnHTTP200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cmd, done := longRunningCmd(t)

	s := newTestSupervisor(t)
	s.processes["m1"] = &process{
		cmd:    cmd,
		done:   done,
		handle: types.ProcessHandle{ModelID: "m1", PID: cmd.Process.Pid, Port: serverPort(t, server.URL)},
		logs:   newRingBuffer(10),
	}

	s.monitor.reconcile()

	health, err := s.Health("m1")
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, health.State)

	shutdownCmd(cmd, done)
}

func TestReconcileEmitsEventOnlyWhenStateChanges(t *testing.T) {
	s := newTestSupervisor(t)
	cmd, done := longRunningCmd(t)
	defer shutdownCmd(cmd, done)

	s.processes["m1"] = &process{
		cmd:    cmd,
		done:   done,
		handle: types.ProcessHandle{ModelID: "m1", PID: cmd.Process.Pid, Port: 1}, // nothing listens on 1: unreachable
		logs:   newRingBuffer(10),
	}

	sub := s.broker.Subscribe()
	s.broker.Start()
	defer s.broker.Stop()

	s.monitor.reconcile()
	s.monitor.reconcile()

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("expected a lifecycle event on first classification")
	}
	select {
	case <-sub:
		t.Fatal("expected no second event: state did not change")
	case <-time.After(200 * time.Millisecond):
	}
}
