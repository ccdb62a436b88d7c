// Package progress detects stalled agents. Agents report named progress
// metrics as heartbeats; a background checker flags any agent whose last
// report is older than its stall threshold and can trigger a caller-supplied
// action (typically auto-releasing the agent's resources).
package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentguard-ai/agentguard/monitor"
	"github.com/agentguard-ai/agentguard/types"
)

// Config controls stall detection.
type Config struct {
	// Enabled turns the tracker on inside the resource manager.
	Enabled bool `yaml:"enabled"`

	// DefaultStallThreshold applies to agents without an override.
	DefaultStallThreshold time.Duration `yaml:"default_stall_threshold"`

	// CheckInterval is how often the background checker scans.
	CheckInterval time.Duration `yaml:"check_interval"`

	// AutoReleaseOnStall invokes the stall action on newly stalled agents.
	AutoReleaseOnStall bool `yaml:"auto_release_on_stall"`
}

// DefaultConfig returns the stall-detection defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:               false,
		DefaultStallThreshold: 2 * time.Minute,
		CheckInterval:         5 * time.Second,
		AutoReleaseOnStall:    false,
	}
}

// Record is one agent's heartbeat state.
type Record struct {
	// Metrics maps metric name to the last reported value.
	Metrics map[string]float64

	// LastUpdate is when the agent last reported progress.
	LastUpdate time.Time

	// StallThreshold overrides the default when non-zero.
	StallThreshold time.Duration

	// IsStalled reports whether the agent is currently flagged as stalled.
	IsStalled bool
}

// StallAction is invoked, outside the tracker's lock, for each newly
// stalled agent when auto-release is enabled.
type StallAction func(types.AgentID)

// Tracker is the heartbeat store plus background stall checker.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	records map[types.AgentID]*Record

	monMu sync.Mutex
	mon   monitor.Monitor

	stallAction StallAction

	running atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New returns a tracker with the given configuration. Zero durations fall
// back to the defaults.
func New(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.DefaultStallThreshold <= 0 {
		cfg.DefaultStallThreshold = def.DefaultStallThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	return &Tracker{
		cfg:     cfg,
		records: make(map[types.AgentID]*Record),
	}
}

// RegisterAgent starts tracking the agent, treating registration itself as
// the first heartbeat.
func (t *Tracker) RegisterAgent(id types.AgentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[id] = &Record{
		Metrics:    make(map[string]float64),
		LastUpdate: time.Now(),
	}
}

// DeregisterAgent stops tracking the agent.
func (t *Tracker) DeregisterAgent(id types.AgentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// ReportProgress records a heartbeat. Reporting for an unknown agent is a
// no-op. If the agent was flagged as stalled, the flag clears and a
// stall-resolved event is emitted exactly once.
func (t *Tracker) ReportProgress(id types.AgentID, metricName string, value float64) {
	wasStalled := false

	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.Metrics[metricName] = value
	rec.LastUpdate = time.Now()
	if rec.IsStalled {
		wasStalled = true
		rec.IsStalled = false
	}
	t.mu.Unlock()

	t.emit(monitor.NewEvent(monitor.EventAgentProgressReported,
		fmt.Sprintf("agent %d reported progress: %s = %g", id, metricName, value)).
		WithAgent(id))

	if wasStalled {
		t.emit(monitor.NewEvent(monitor.EventAgentStallResolved,
			fmt.Sprintf("agent %d stall resolved after progress report", id)).
			WithAgent(id))
	}
}

// SetStallThreshold overrides the stall threshold for one agent.
func (t *Tracker) SetStallThreshold(id types.AgentID, threshold time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[id]; ok {
		rec.StallThreshold = threshold
	}
}

// IsStalled reports whether the agent is currently flagged as stalled.
func (t *Tracker) IsStalled(id types.AgentID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	return ok && rec.IsStalled
}

// StalledAgents returns the ids of every currently stalled agent.
func (t *Tracker) StalledAgents() []types.AgentID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stalled []types.AgentID
	for id, rec := range t.records {
		if rec.IsStalled {
			stalled = append(stalled, id)
		}
	}
	return stalled
}

// Progress returns a copy of the agent's heartbeat record.
func (t *Tracker) Progress(id types.AgentID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	out := *rec
	out.Metrics = make(map[string]float64, len(rec.Metrics))
	for k, v := range rec.Metrics {
		out.Metrics[k] = v
	}
	return out, true
}

// Start spawns the background checker. The monitor receives stall events;
// stallAction is invoked for newly stalled agents when auto-release is
// enabled. Starting an already-running tracker is a no-op.
func (t *Tracker) Start(mon monitor.Monitor, stallAction StallAction) {
	if t.running.Swap(true) {
		return
	}

	t.monMu.Lock()
	t.mon = mon
	t.monMu.Unlock()
	t.stallAction = stallAction

	t.stopCh = make(chan struct{})
	t.done = make(chan struct{})
	go t.checkLoop()
}

// Stop signals the checker and waits for it to exit. Stopping an idle
// tracker is a no-op.
func (t *Tracker) Stop() {
	if !t.running.Swap(false) {
		return
	}
	close(t.stopCh)
	<-t.done
}

func (t *Tracker) checkLoop() {
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.checkForStalls()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) checkForStalls() {
	var newlyStalled []types.AgentID

	t.mu.Lock()
	now := time.Now()
	for id, rec := range t.records {
		threshold := rec.StallThreshold
		if threshold <= 0 {
			threshold = t.cfg.DefaultStallThreshold
		}
		if !rec.IsStalled && !rec.LastUpdate.IsZero() && now.Sub(rec.LastUpdate) > threshold {
			rec.IsStalled = true
			newlyStalled = append(newlyStalled, id)
		}
	}
	t.mu.Unlock()

	for _, id := range newlyStalled {
		t.emit(monitor.NewEvent(monitor.EventAgentStalled,
			fmt.Sprintf("agent %d has stalled (no progress reported)", id)).
			WithAgent(id))

		if t.cfg.AutoReleaseOnStall && t.stallAction != nil {
			t.stallAction(id)
		}
	}
}

func (t *Tracker) emit(ev monitor.Event) {
	t.monMu.Lock()
	mon := t.mon
	t.monMu.Unlock()
	if mon != nil {
		mon.OnEvent(ev)
	}
}
