package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// State is what a running daemon records about itself.
type State struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
	Relay     string    `json:"relay"`
	Bridge    string    `json:"bridge,omitempty"`
	Commands  []string  `json:"commands,omitempty"`

	// Metrics is a snapshot of the daemon metrics when the state was
	// last written.
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// StateManager handles the PID and state files of the daemon.
type StateManager struct {
	pidFile     string
	stateFile   string
	metricsFile string
}

// NewStateManager keeps its files in dir.
func NewStateManager(dir string) *StateManager {
	return &StateManager{
		pidFile:     filepath.Join(dir, "auralinkd.pid"),
		stateFile:   filepath.Join(dir, "auralinkd.state"),
		metricsFile: filepath.Join(dir, "auralinkd.prom"),
	}
}

// IsRunning checks if the daemon recorded in the PID file is running.
func (m *StateManager) IsRunning() bool {
	pid, err := m.ReadPID()
	if err != nil {
		return false
	}
	return isProcessRunning(pid)
}

// ReadPID reads the daemon's PID from the PID file.
func (m *StateManager) ReadPID() (int, error) {
	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// WritePID writes the current process PID to the PID file.
func (m *StateManager) WritePID() error {
	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0700); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// WriteState writes the daemon state.
func (m *StateManager) WriteState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return os.WriteFile(m.stateFile, data, 0600)
}

// ReadState reads the daemon state.
func (m *StateManager) ReadState() (*State, error) {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

// MetricsFile is where the daemon renders its metrics in the Prometheus
// text format.
func (m *StateManager) MetricsFile() string {
	return m.metricsFile
}

// Cleanup removes the PID, state and metrics files.
func (m *StateManager) Cleanup() {
	os.Remove(m.pidFile)
	os.Remove(m.stateFile)
	os.Remove(m.metricsFile)
}

// Status is the daemon status for display.
type Status struct {
	Running bool
	State   *State
	Uptime  time.Duration
}

// Status returns the current daemon status.
func (m *StateManager) Status() *Status {
	status := &Status{}
	pid, err := m.ReadPID()
	if err == nil && isProcessRunning(pid) {
		status.Running = true
	}
	if state, err := m.ReadState(); err == nil {
		status.State = state
		if status.Running {
			status.Uptime = time.Since(state.StartedAt)
		}
	}
	return status
}
