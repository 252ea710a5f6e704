package supervisor

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/modelctl/pkg/events"
	"github.com/cuemby/modelctl/pkg/types"
	"golang.org/x/sync/errgroup"
)

const reconcileInterval = 5 * time.Second

// HealthMonitor periodically probes every running process over HTTP and
// checks PID liveness, classifying each into Healthy/Degraded/Unreachable/
// ProcessDied and emitting a lifecycle event whenever the classification
// changes.
type HealthMonitor struct {
	supervisor *Supervisor
	client     *http.Client
	lastState  map[string]types.HealthState
	stopCh     chan struct{}
}

func newHealthMonitor(s *Supervisor) *HealthMonitor {
	return &HealthMonitor{
		supervisor: s,
		client:     &http.Client{Timeout: 2 * time.Second},
		lastState:  make(map[string]types.HealthState),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the reconcile loop.
func (m *HealthMonitor) Start() {
	go m.loop()
}

// Stop halts the reconcile loop.
func (m *HealthMonitor) Stop() {
	close(m.stopCh)
}

func (m *HealthMonitor) loop() {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reconcile()
		case <-m.stopCh:
			return
		}
	}
}

// classification is one process's reconcile result, computed concurrently
// with its siblings and applied afterward under the supervisor's lock.
type classification struct {
	modelID string
	state   types.HealthState
	reason  string
}

// reconcile classifies each running process and emits a lifecycle event
// when its classification changes from the previous pass. A process found
// dead has its record and PID file removed directly — there is nothing
// left to kill, so the shutdown protocol does not run. Probes fan out
// concurrently so one slow or unreachable server never delays classifying
// the rest.
func (m *HealthMonitor) reconcile() {
	s := m.supervisor

	s.mu.RLock()
	snapshot := make(map[string]*process, len(s.processes))
	for id, p := range s.processes {
		snapshot[id] = p
	}
	s.mu.RUnlock()

	results := make([]classification, len(snapshot))
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}

	var g errgroup.Group
	var mu sync.Mutex
	for i, modelID := range ids {
		i, modelID := i, modelID
		p := snapshot[modelID]
		g.Go(func() error {
			state, reason := m.classify(p)
			mu.Lock()
			results[i] = classification{modelID: modelID, state: state, reason: reason}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range results {
		modelID, state, reason := result.modelID, result.state, result.reason
		p := snapshot[modelID]

		s.mu.Lock()
		if current, ok := s.processes[modelID]; ok {
			current.handle.Health = types.ServerHealth{
				State:       state,
				Reason:      reason,
				ContextSize: current.handle.ContextSize,
				CheckedAt:   time.Now(),
			}
		}
		s.mu.Unlock()

		if state == types.HealthProcessDied {
			s.mu.Lock()
			delete(s.processes, modelID)
			s.mu.Unlock()
			s.allocator.Release(p.handle.Port)
			removePIDFile(s.pidDir, modelID)
		}

		if m.lastState[modelID] != state {
			m.lastState[modelID] = state
			kind := events.KindServerError
			if state == types.HealthHealthy {
				kind = events.KindServerStarted
			}
			s.emit(events.Event{
				Kind:         kind,
				ModelID:      modelID,
				ModelName:    p.handle.ModelName,
				Port:         p.handle.Port,
				ErrorMessage: reason,
			})
		}

		if state == types.HealthProcessDied {
			delete(m.lastState, modelID)
		}
	}
}

func (m *HealthMonitor) classify(p *process) (types.HealthState, string) {
	select {
	case <-p.done:
		return types.HealthProcessDied, "child process exited"
	default:
	}

	if !processAlive(p.handle.PID) {
		return types.HealthProcessDied, "pid no longer exists"
	}

	url := healthURL(p.handle.Port)
	resp, err := m.client.Get(url)
	if err != nil {
		return types.HealthUnreachable, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return types.HealthHealthy, ""
	}
	return types.HealthDegraded, resp.Status
}

func healthURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", port)
}
