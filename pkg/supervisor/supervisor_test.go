package supervisor

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/modelctl/pkg/catalog"
	"github.com/cuemby/modelctl/pkg/ctlerr"
	"github.com/cuemby/modelctl/pkg/events"
	"github.com/cuemby/modelctl/pkg/ports"
	"github.com/cuemby/modelctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	specs map[string]types.LaunchSpec
}

func (f *fakeCatalog) Resolve(modelName string) (types.LaunchSpec, error) {
	spec, ok := f.specs[modelName]
	if !ok {
		return types.LaunchSpec{}, ctlerr.NotFoundf("model %q not found", modelName)
	}
	return spec, nil
}

func (f *fakeCatalog) List() []catalog.ModelEntry { return nil }

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := &Supervisor{
		processes:  make(map[string]*process),
		pidDir:     t.TempDir(),
		serverPath: "llama-server",
		basePort:   18200,
		allocator:  ports.NewAllocator(),
		catalog:    &fakeCatalog{specs: map[string]types.LaunchSpec{}},
		broker:     events.NewBroker(),
	}
	s.monitor = newHealthMonitor(s)
	return s
}

// longRunningCmd starts a child that stays alive for the duration of the
// test, for health-monitor tests that need a real PID to probe liveness
// against without depending on an actual llama-server binary. The returned
// channel closes once the child is reaped, mirroring the done channel
// Spawn wires up for every real server process.
func longRunningCmd(t *testing.T) (*exec.Cmd, chan struct{}) {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	t.Cleanup(func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
	return cmd, done
}

func serverPort(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestWaitHealthySucceedsOn200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := newTestSupervisor(t)
	done := make(chan struct{})
	err := s.waitHealthy(server.URL, done)
	assert.NoError(t, err)
}

func TestWaitHealthyFatalAfterRepeated404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	s := newTestSupervisor(t)
	done := make(chan struct{})

	start := time.Now()
	err := s.waitHealthy(server.URL, done)
	require.Error(t, err)
	assert.True(t, ctlerr.Is(err, ctlerr.Fatal))
	assert.Less(t, time.Since(start), healthTimeout)
}

func TestWaitHealthyFailsWhenChildExits(t *testing.T) {
	s := newTestSupervisor(t)
	done := make(chan struct{})
	close(done)

	err := s.waitHealthy("http://127.0.0.1:1/health", done)
	require.Error(t, err)
	assert.True(t, ctlerr.Is(err, ctlerr.Fatal))
}

func TestKillNonexistentModelIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t)
	assert.NoError(t, s.Kill("never-started"))
}

func TestIsRunningAndHealthNotFound(t *testing.T) {
	s := newTestSupervisor(t)
	assert.False(t, s.IsRunning("m1"))

	_, err := s.Health("m1")
	require.Error(t, err)
	assert.True(t, ctlerr.Is(err, ctlerr.NotFound))
}

func TestEnsureModelRunningResolveNotFound(t *testing.T) {
	s := newTestSupervisor(t)
	_, err := s.EnsureModelRunning("missing-model", 0, 4096)
	require.Error(t, err)
	assert.True(t, ctlerr.Is(err, ctlerr.NotFound))
}

func TestCleanupDeadRemovesExitedProcess(t *testing.T) {
	s := newTestSupervisor(t)
	done := make(chan struct{})
	close(done)

	s.processes["m1"] = &process{
		done:   done,
		handle: types.ProcessHandle{ModelID: "m1", Port: 18250},
		logs:   newRingBuffer(10),
	}

	removed := s.CleanupDead()
	assert.Equal(t, []string{"m1"}, removed)
	assert.False(t, s.IsRunning("m1"))
}
