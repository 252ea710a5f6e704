package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writePIDFile(dir, "m1", 4242, 8080))

	pid, port, err := readPIDFile(pidFilePath(dir, "m1"))
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
	assert.Equal(t, 8080, port)

	removePIDFile(dir, "m1")
	_, _, err = readPIDFile(pidFilePath(dir, "m1"))
	assert.Error(t, err)
}

func TestPIDFileMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))

	_, _, err := readPIDFile(path)
	assert.Error(t, err)
}

func TestRingBufferBoundedToCapacity(t *testing.T) {
	buf := newRingBuffer(3)
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		buf.append(line)
	}
	assert.Equal(t, []string{"c", "d", "e"}, buf.snapshot())
}

func TestShutdownByPIDTreatsAlreadyExitedAsSuccess(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())

	assert.NotPanics(t, func() {
		shutdownByPID(cmd.Process.Pid)
	})
}

func TestShutdownCmdReapsChild(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	start := time.Now()
	shutdownCmd(cmd, done)
	assert.Less(t, time.Since(start), shutdownGrace+2*time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected child to be reaped")
	}
}

func TestSignalProcessToleratesMissingProcess(t *testing.T) {
	err := signalProcess(1<<30, syscall.SIGTERM)
	assert.NoError(t, err)
}
