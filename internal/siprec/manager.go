package siprec

import (
	"log/slog"
	"sync"

	"github.com/sebas/siprec/internal/config"
	"github.com/sebas/siprec/internal/events"
	"github.com/sebas/siprec/internal/media"
	"github.com/sebas/siprec/internal/security"
)

// AgentStatus is a point-in-time view of one recorder for the API and
// metrics surfaces.
type AgentStatus struct {
	Name           string `json:"name"`
	SrsEndpoint    string `json:"srs_endpoint"`
	Responding     bool   `json:"responding"`
	LastStatusCode int    `json:"last_status_code"`
	ActiveCalls    int    `json:"active_calls"`
	OptionsProbes  int64  `json:"options_probes"`
}

// Manager fans recording operations out to every enabled recorder
// agent and owns their lifecycles. Each per-agent call runs inside an
// error boundary so one failing agent cannot poison the rest.
type Manager struct {
	enabled bool

	mu     sync.RWMutex
	agents []*RecorderAgent

	// lastStatus caches the latest liveness transition per recorder.
	statusMu   sync.RWMutex
	lastStatus map[string]statusEntry
}

type statusEntry struct {
	responding bool
	statusCode int
}

// NewManager constructs agents for every enabled recorder config. The
// master switch disables everything at once.
func NewManager(settings *config.Settings, publisher events.Publisher, ports *media.PortManager, certs *security.Store) *Manager {
	m := &Manager{
		enabled:    settings.EnableSipRec,
		lastStatus: make(map[string]statusEntry),
	}
	if !m.enabled {
		slog.Info("[Manager] SIP recording disabled")
		return m
	}

	identity := events.Identity{
		ElementID: settings.ElementID,
		AgencyID:  settings.AgencyID,
		AgentID:   settings.AgentID,
	}

	for _, rc := range settings.Recorders {
		if !rc.Enabled {
			slog.Info("[Manager] Recorder disabled", "recorder", rc.Name)
			continue
		}
		agent := NewRecorderAgent(rc, AgentDeps{
			Identity:        identity,
			Publisher:       publisher,
			Ports:           ports,
			Certs:           certs,
			OnStatusChanged: m.onStatusChanged,
		})
		m.agents = append(m.agents, agent)
	}
	return m
}

func (m *Manager) onStatusChanged(name string, responding bool, statusCode int) {
	m.statusMu.Lock()
	m.lastStatus[name] = statusEntry{responding: responding, statusCode: statusCode}
	m.statusMu.Unlock()
}

// Start starts every agent. A recorder whose transport cannot bind is
// logged and excluded; the rest keep running.
func (m *Manager) Start() {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var running []*RecorderAgent
	for _, agent := range m.agents {
		if err := m.guard("Start", agent, agent.Start); err != nil {
			slog.Error("[Manager] Recorder excluded from startup",
				"recorder", agent.Name(),
				"error", err,
			)
			continue
		}
		running = append(running, agent)
	}
	m.agents = running
}

// StartRecording fans the request to every running agent.
func (m *Manager) StartRecording(params CallParameters) {
	m.forEach("StartRecording", func(agent *RecorderAgent) {
		agent.StartRecording(params)
	})
}

// ReInvite fans updated parameters to every running agent.
func (m *Manager) ReInvite(params CallParameters) {
	m.forEach("ReInvite", func(agent *RecorderAgent) {
		agent.HandleReInvite(params)
	})
}

// StopRecording fans the stop to every running agent.
func (m *Manager) StopRecording(callID string) {
	m.forEach("StopRecording", func(agent *RecorderAgent) {
		agent.StopRecording(callID)
	})
}

// Shutdown awaits each agent's shutdown sequentially.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	agents := m.agents
	m.agents = nil
	m.mu.Unlock()

	for _, agent := range agents {
		_ = m.guard("Shutdown", agent, func() error {
			agent.Shutdown()
			return nil
		})
	}
}

// Status snapshots every running agent.
func (m *Manager) Status() []AgentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()

	statuses := make([]AgentStatus, 0, len(m.agents))
	for _, agent := range m.agents {
		entry := m.lastStatus[agent.Name()]
		statuses = append(statuses, AgentStatus{
			Name:           agent.Name(),
			SrsEndpoint:    agent.cfg.SrsIpEndpoint,
			Responding:     entry.responding,
			LastStatusCode: entry.statusCode,
			ActiveCalls:    agent.ActiveCalls(),
			OptionsProbes:  agent.OptionsProbes(),
		})
	}
	return statuses
}

// ActiveCallCount sums the calls across agents.
func (m *Manager) ActiveCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, agent := range m.agents {
		total += agent.ActiveCalls()
	}
	return total
}

func (m *Manager) forEach(op string, fn func(*RecorderAgent)) {
	if !m.enabled {
		return
	}
	m.mu.RLock()
	agents := m.agents
	m.mu.RUnlock()

	for _, agent := range agents {
		_ = m.guard(op, agent, func() error {
			fn(agent)
			return nil
		})
	}
}

// guard isolates one agent call so a panic there cannot take the
// manager down.
func (m *Manager) guard(op string, agent *RecorderAgent, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Manager] Recorder operation panicked",
				"recorder", agent.Name(),
				"op", op,
				"panic", r,
			)
		}
	}()
	return fn()
}
