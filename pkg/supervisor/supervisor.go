package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/modelctl/pkg/catalog"
	"github.com/cuemby/modelctl/pkg/ctlerr"
	"github.com/cuemby/modelctl/pkg/events"
	"github.com/cuemby/modelctl/pkg/health"
	"github.com/cuemby/modelctl/pkg/log"
	"github.com/cuemby/modelctl/pkg/ports"
	"github.com/cuemby/modelctl/pkg/types"
)

const ringBufferLines = 200

// process is the supervisor's internal record for one running server,
// wrapping the public ProcessHandle with the handles needed to manage it.
type process struct {
	cmd     *exec.Cmd
	done    chan struct{}
	handle  types.ProcessHandle
	logs    *ringBuffer
}

// Supervisor manages the lifetime of local inference-server subprocesses.
type Supervisor struct {
	mu          sync.RWMutex
	processes   map[string]*process // keyed by model id

	pidDir     string
	serverPath string
	basePort   int
	allocator  *ports.Allocator
	catalog    catalog.Catalog
	broker     *events.Broker

	swapMu  sync.Mutex
	current *types.Target
	loading bool

	monitor *HealthMonitor
}

// Config configures a new Supervisor.
type Config struct {
	DataDir    string
	ServerPath string
	BasePort   int // default 8080
	Catalog    catalog.Catalog
	Broker     *events.Broker
}

// New constructs a Supervisor, performing the startup orphan sweep before
// returning so no server from a previous crashed run survives.
func New(cfg Config) (*Supervisor, error) {
	basePort := cfg.BasePort
	if basePort == 0 {
		basePort = 8080
	}

	s := &Supervisor{
		processes:  make(map[string]*process),
		pidDir:     filepath.Join(cfg.DataDir, "pids"),
		serverPath: cfg.ServerPath,
		basePort:   basePort,
		allocator:  ports.NewAllocator(),
		catalog:    cfg.Catalog,
		broker:     cfg.Broker,
	}
	s.monitor = newHealthMonitor(s)

	if err := s.sweepOrphans(); err != nil {
		return nil, fmt.Errorf("orphan sweep: %w", err)
	}
	return s, nil
}

// Start begins the background health monitor loop.
func (s *Supervisor) Start() {
	s.monitor.Start()
}

// Stop halts the health monitor. It does not kill running children.
func (s *Supervisor) Stop() {
	s.monitor.Stop()
}

// sweepOrphans enumerates existing PID files at construction, verifies
// each names our server binary, kills it by PID only, and always removes
// the PID file — guaranteeing no stale server survives a restart.
func (s *Supervisor) sweepOrphans() error {
	entries, err := os.ReadDir(s.pidDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".pid" {
			continue
		}
		path := filepath.Join(s.pidDir, entry.Name())
		modelID := entry.Name()[:len(entry.Name())-len(".pid")]

		pid, _, err := readPIDFile(path)
		if err != nil {
			log.Logger.Warn().Str("path", path).Err(err).Msg("failed to parse orphan pid file")
			os.Remove(path)
			continue
		}

		if processAlive(pid) && verifyOwnBinary(pid, s.serverPath) {
			log.Logger.Warn().Str("model_id", modelID).Int("pid", pid).Msg("killing orphaned server from previous run")
			shutdownByPID(pid)
		}
		os.Remove(path)
	}
	return nil
}

// Spawn validates spec, resolves a port, starts the child, waits for it to
// become HTTP-healthy, and publishes its handle.
func (s *Supervisor) Spawn(spec types.LaunchSpec) (types.ProcessHandle, error) {
	if spec.BinaryPath == "" || spec.ModelPath == "" {
		return types.ProcessHandle{}, ctlerr.InvalidInputf("launch spec missing binary_path or model_path")
	}

	port := spec.Port
	if port == 0 {
		allocated, err := s.allocator.Allocate(s.basePort)
		if err != nil {
			return types.ProcessHandle{}, ctlerr.Wrap(ctlerr.Fatal, "port allocation failed", err)
		}
		port = allocated
	}

	args := []string{
		"--model", spec.ModelPath,
		"--port", strconv.Itoa(port),
		"--ctx-size", strconv.Itoa(spec.ContextSize),
	}
	args = append(args, spec.ExtraArgs...)

	cmd := exec.Command(spec.BinaryPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return types.ProcessHandle{}, ctlerr.Wrap(ctlerr.Fatal, "failed to attach stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return types.ProcessHandle{}, ctlerr.Wrap(ctlerr.Fatal, "failed to attach stderr", err)
	}

	if err := cmd.Start(); err != nil {
		s.allocator.Release(port)
		return types.ProcessHandle{}, ctlerr.Wrap(ctlerr.Fatal, fmt.Sprintf("failed to start %s", spec.BinaryPath), err)
	}

	logs := newRingBuffer(ringBufferLines)
	go forwardOutput(spec.ModelID, stdout, logs)
	go forwardOutput(spec.ModelID, stderr, logs)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	if err := s.waitHealthy(healthURL, done); err != nil {
		shutdownCmd(cmd, done)
		s.allocator.Release(port)
		return types.ProcessHandle{}, err
	}

	handle := types.ProcessHandle{
		ModelID:     spec.ModelID,
		ModelName:   spec.ModelName,
		PID:         cmd.Process.Pid,
		Port:        port,
		ContextSize: spec.ContextSize,
		StartedAt:   time.Now(),
		Health: types.ServerHealth{
			State:       types.HealthHealthy,
			ContextSize: spec.ContextSize,
			CheckedAt:   time.Now(),
		},
	}

	if err := writePIDFile(s.pidDir, spec.ModelID, handle.PID, handle.Port); err != nil {
		log.Logger.Warn().Str("model_id", spec.ModelID).Err(err).Msg("failed to write pid file")
	}

	s.mu.Lock()
	s.processes[spec.ModelID] = &process{cmd: cmd, done: done, handle: handle, logs: logs}
	s.mu.Unlock()

	s.emit(events.Event{Kind: events.KindServerStarted, ModelID: handle.ModelID, ModelName: handle.ModelName, Port: handle.Port})
	return handle, nil
}

// waitHealthy polls healthURL at 1s cadence for up to 120s via a
// NewLlamaHealthChecker, which accepts only a 200 response whose body is
// either empty or plausibly came from a llama.cpp-compatible server (it
// mentions "status", "slots", or "error" the way llama-server's own
// /health payload does). 403/404 three times in a row is classified
// fatal (wrong service on this port). The child exiting early is also
// fatal.
func (s *Supervisor) waitHealthy(healthURL string, done <-chan struct{}) error {
	checker := health.NewLlamaHealthChecker(healthURL).WithTimeout(healthPollEvery)
	deadline := time.Now().Add(healthTimeout)
	consecutiveWrongService := 0

	for time.Now().Before(deadline) {
		select {
		case <-done:
			return ctlerr.Fatalf("server process exited before becoming healthy")
		default:
		}

		result := checker.Check(context.Background())
		if result.StatusCode != 0 {
			if result.Healthy {
				return nil
			}
			if result.StatusCode == http.StatusForbidden || result.StatusCode == http.StatusNotFound {
				consecutiveWrongService++
				if consecutiveWrongService >= fatalAfterFails {
					return ctlerr.Fatalf("port bound by a different service (status %d)", result.StatusCode)
				}
			} else {
				consecutiveWrongService = 0
			}
		}
		// connection errors are benign until timeout

		time.Sleep(healthPollEvery)
	}
	return ctlerr.Fatalf("server did not become healthy on %s within %s", healthURL, healthTimeout)
}

// Kill gracefully stops a running server. It is idempotent: killing a
// model id that is not running is a no-op.
func (s *Supervisor) Kill(modelID string) error {
	s.mu.Lock()
	p, ok := s.processes[modelID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.processes, modelID)
	s.mu.Unlock()

	shutdownCmd(p.cmd, p.done)
	s.allocator.Release(p.handle.Port)
	removePIDFile(s.pidDir, modelID)

	s.emit(events.Event{Kind: events.KindServerStopped, ModelID: modelID, ModelName: p.handle.ModelName})
	return nil
}

// IsRunning reports whether modelID has a live process record.
func (s *Supervisor) IsRunning(modelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processes[modelID]
	return ok
}

// ListRunning returns a snapshot of every running process's handle, used
// for startup snapshot events and metrics collection.
func (s *Supervisor) ListRunning() []types.ProcessHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ProcessHandle, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p.handle)
	}
	return out
}

// Health returns the last known health state for modelID.
func (s *Supervisor) Health(modelID string) (types.ServerHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[modelID]
	if !ok {
		return types.ServerHealth{}, ctlerr.NotFoundf("model %q is not running", modelID)
	}
	return p.handle.Health, nil
}

// Logs returns the tail of combined stdout/stderr for modelID, if running.
func (s *Supervisor) Logs(modelID string) []string {
	s.mu.RLock()
	p, ok := s.processes[modelID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return p.logs.snapshot()
}

// CleanupDead sweeps processes whose child has exited without our
// noticing via Kill, removing their records and PID files. Returns the
// model ids removed.
func (s *Supervisor) CleanupDead() []string {
	var removed []string

	s.mu.Lock()
	for modelID, p := range s.processes {
		select {
		case <-p.done:
			delete(s.processes, modelID)
			s.allocator.Release(p.handle.Port)
			removed = append(removed, modelID)
		default:
		}
	}
	s.mu.Unlock()

	for _, modelID := range removed {
		removePIDFile(s.pidDir, modelID)
	}
	return removed
}

func (s *Supervisor) emit(e events.Event) {
	if s.broker == nil {
		return
	}
	evt := e
	s.broker.Emit(&evt)
}

// EnsureModelRunning implements the single-swap strategy: resolve
// model_name via the catalog, reuse the current child if it already
// matches, otherwise stop it and spawn a replacement at the requested (or
// default) context size. At most one child is running at any instant.
func (s *Supervisor) EnsureModelRunning(modelName string, requestedCtx, defaultCtx int) (types.Target, error) {
	spec, err := s.catalog.Resolve(modelName)
	if err != nil {
		return types.Target{}, err
	}

	effectiveCtx := requestedCtx
	if effectiveCtx == 0 {
		effectiveCtx = defaultCtx
	}

	s.swapMu.Lock()
	if s.loading {
		s.swapMu.Unlock()
		return types.Target{}, ctlerr.Loadingf("model %q is loading", modelName)
	}
	if s.current != nil && s.current.ModelID == spec.ModelID && s.current.ContextSize == effectiveCtx && s.IsRunning(spec.ModelID) {
		if health, err := s.Health(spec.ModelID); err == nil && health.State == types.HealthHealthy {
			target := *s.current
			s.swapMu.Unlock()
			return target, nil
		}
	}
	s.loading = true
	previous := s.current
	s.swapMu.Unlock()

	defer func() {
		s.swapMu.Lock()
		s.loading = false
		s.swapMu.Unlock()
	}()

	if previous != nil {
		if err := s.Kill(previous.ModelID); err != nil {
			log.Logger.Warn().Str("model_id", previous.ModelID).Err(err).Msg("failed to stop previous server during swap")
		}
	}

	launch := spec
	launch.ContextSize = effectiveCtx
	launch.Port = 0

	handle, err := s.Spawn(launch)
	if err != nil {
		return types.Target{}, ctlerr.Wrap(ctlerr.Fatal, fmt.Sprintf("spawn failed for %q", modelName), err)
	}

	target := types.Target{
		ModelID:     handle.ModelID,
		ModelName:   handle.ModelName,
		BaseURL:     fmt.Sprintf("http://127.0.0.1:%d", handle.Port),
		ContextSize: handle.ContextSize,
	}
	s.swapMu.Lock()
	s.current = &target
	s.swapMu.Unlock()

	return target, nil
}
