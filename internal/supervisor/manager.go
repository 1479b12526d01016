package supervisor

import (
	"sync"
	"time"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/protocol"
	"github.com/kandev/agentd/internal/queue"
	"github.com/kandev/agentd/internal/store"
	"go.uber.org/zap"
)

// Config configures the Manager's worker spawn and escalation behavior.
type Config struct {
	BinaryPath string
	N1         time.Duration
	N2         time.Duration
}

// Manager owns the sessionId -> SessionActor map and enforces project-path
// exclusivity across actors (spec §4.2, §5 "shared resources").
type Manager struct {
	cfg   Config
	store store.Store
	log   *logger.Logger
	sink  EventSink

	mu           sync.Mutex
	actors       map[string]*SessionActor
	claimedPaths map[string]string // projectPath -> sessionID
}

// NewManager constructs a Manager. sink receives every IPC message any
// actor's worker emits, tagged by session id.
func NewManager(cfg Config, st store.Store, log *logger.Logger, sink EventSink) *Manager {
	return &Manager{
		cfg:          cfg,
		store:        st,
		log:          log.WithFields(zap.String("component", "supervisor")),
		sink:         sink,
		actors:       make(map[string]*SessionActor),
		claimedPaths: make(map[string]string),
	}
}

// GetOrCreate returns the actor for spec.SessionID, creating it if absent.
// Refuses to bind a project path already claimed by a different session
// (spec §5 "never permits two actors to target the same project path").
func (m *Manager) GetOrCreate(spec protocol.SessionSpec) (*SessionActor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.actors[spec.SessionID]; ok {
		return existing, nil
	}

	if spec.ProjectPath != "" {
		if owner, claimed := m.claimedPaths[spec.ProjectPath]; claimed && owner != spec.SessionID {
			return nil, apperr.Validation("project path already claimed by another session: " + spec.ProjectPath)
		}
		m.claimedPaths[spec.ProjectPath] = spec.SessionID
	}

	actor := newSessionActor(spec, m.cfg.BinaryPath, m.cfg.N1, m.cfg.N2, m.store, m.log, m.sink)
	m.actors[spec.SessionID] = actor
	return actor, nil
}

// Get returns an existing actor, if any.
func (m *Manager) Get(sessionID string) (*SessionActor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[sessionID]
	return a, ok
}

// Dispatch routes a work item to the actor for sessionID, creating the
// actor (and its worker, if needed) on demand.
func (m *Manager) Dispatch(spec protocol.SessionSpec, item *queue.Item) error {
	actor, err := m.GetOrCreate(spec)
	if err != nil {
		return err
	}
	return actor.Enqueue(item)
}

// Cancel requests cancellation of the session's current task, if any.
func (m *Manager) Cancel(sessionID string) error {
	actor, ok := m.Get(sessionID)
	if !ok {
		return nil
	}
	return actor.RequestCancel()
}

// Close requests a graceful shutdown of the session's worker and releases
// its claimed project path as soon as the close request has been sent,
// without waiting for the worker to exit.
func (m *Manager) Close(sessionID string) error {
	actor, ok := m.Get(sessionID)
	if !ok {
		return nil
	}
	if err := actor.RequestClose(); err != nil {
		return err
	}
	m.releasePath(sessionID)
	return nil
}

// Remove drops a session's actor and releases any claimed project path,
// used once a session is fully closed (spec §4.7 orphan recovery cleanup).
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	actor, ok := m.actors[sessionID]
	delete(m.actors, sessionID)
	m.mu.Unlock()

	if ok {
		actor.Shutdown()
	}
	m.releasePath(sessionID)
}

func (m *Manager) releasePath(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, owner := range m.claimedPaths {
		if owner == sessionID {
			delete(m.claimedPaths, path)
		}
	}
}

// ShutdownAll requests a graceful close of every live actor and blocks
// until each has reached Dead, bounded by N2 plus a small margin so a
// stuck child cannot hang the daemon's own shutdown indefinitely.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	actors := make([]*SessionActor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	for _, a := range actors {
		_ = a.RequestClose()
	}

	deadline := time.After(m.cfg.N2 + 5*time.Second)
	for _, a := range actors {
		select {
		case <-a.Done():
		case <-deadline:
			m.log.Warn("timed out waiting for actor to reach Dead during shutdown")
			return
		}
	}
}
