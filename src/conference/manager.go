package conference

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/llm"
	"github.com/square-key-labs/switchboard/src/session"
	"github.com/square-key-labs/switchboard/src/telephony"
)

// pendingTTL bounds how long a transfer waits for the owner leg to answer.
const pendingTTL = 2 * time.Minute

// Manager owns the bridge lifecycle: it serves the transfer tool, pairs the
// owner leg's media stream with the waiting caller session and tears bridges
// down on status callbacks.
type Manager struct {
	registry    *session.Registry
	control     *telephony.Client
	coordConfig CoordinatorConfig
	tools       func(streamSid string) llm.ToolExecutor

	ownerNumber string
	publicURL   string // https base, e.g. https://agent.example.com
	wsURL       string // wss media endpoint

	mu      sync.Mutex
	pending map[string]*pendingTransfer // by conference id
	bridges map[string]*Coordinator     // by conference id

	log *zap.Logger
}

type pendingTransfer struct {
	callerStreamSid string
	reason          string
	created         time.Time
}

// ManagerConfig wires the transfer manager.
type ManagerConfig struct {
	Registry    *session.Registry
	Control     *telephony.Client
	Coordinator CoordinatorConfig
	OwnerNumber string
	PublicURL   string
	WSURL       string
	Log         *zap.Logger
}

// NewManager creates the bridge manager.
func NewManager(config ManagerConfig) *Manager {
	return &Manager{
		registry:    config.Registry,
		control:     config.Control,
		coordConfig: config.Coordinator,
		ownerNumber: config.OwnerNumber,
		publicURL:   config.PublicURL,
		wsURL:       config.WSURL,
		pending:     make(map[string]*pendingTransfer),
		bridges:     make(map[string]*Coordinator),
		log:         config.Log.Named("transfer"),
	}
}

// StartConference implements session.TransferService. It moves the caller's
// call into a provider conference and dials the owner; the bridge is wired
// when the owner leg's media stream arrives.
func (m *Manager) StartConference(ctx context.Context, s *session.Session, reason string) error {
	if m.ownerNumber == "" {
		return fmt.Errorf("conference: no owner number configured")
	}

	conferenceID := uuid.NewString()
	name := "bridge-" + conferenceID

	m.mu.Lock()
	m.expireLocked()
	m.pending[conferenceID] = &pendingTransfer{
		callerStreamSid: s.StreamSid(),
		reason:          reason,
		created:         time.Now(),
	}
	m.mu.Unlock()

	answerURL := fmt.Sprintf("%s/answer?%s", m.publicURL, url.Values{
		"role":         {string(session.RoleOwner)},
		"conferenceId": {conferenceID},
	}.Encode())
	statusCallback := fmt.Sprintf("%s/conference-status?conferenceId=%s", m.publicURL, conferenceID)

	if _, err := m.control.CreateConference(ctx, s.CallSid(), name, m.ownerNumber, answerURL, statusCallback); err != nil {
		m.mu.Lock()
		delete(m.pending, conferenceID)
		m.mu.Unlock()
		return fmt.Errorf("conference: setup failed: %w", err)
	}

	m.log.Info("transfer started",
		zap.String("conference_id", conferenceID),
		zap.String("caller_stream", s.StreamSid()),
		zap.String("reason", reason))
	return nil
}

// OnOwnerStream pairs a newly arrived owner leg with its waiting caller
// session. Called by the media dispatcher when a start frame carries a
// conferenceId parameter with the owner role.
func (m *Manager) OnOwnerStream(conferenceID string, owner *session.Session) error {
	m.mu.Lock()
	pt, ok := m.pending[conferenceID]
	if ok {
		delete(m.pending, conferenceID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("conference: no pending transfer %s", conferenceID)
	}

	caller, ok := m.registry.Get(pt.callerStreamSid)
	if !ok {
		return fmt.Errorf("conference: caller session %s gone", pt.callerStreamSid)
	}

	cfg := m.coordConfig
	cfg.Tools = m.tools(caller.StreamSid())
	coord := NewCoordinator("bridge-"+conferenceID, caller, owner, cfg)

	m.mu.Lock()
	m.bridges[conferenceID] = coord
	m.mu.Unlock()
	return nil
}

// SetToolFactory installs the per-stream tool surface; set once at wiring
// time, before any transfer can run.
func (m *Manager) SetToolFactory(tools func(streamSid string) llm.ToolExecutor) {
	m.tools = tools
}

// OnStatusCallback handles provider conference events. Leave and end events
// tear the bridge down.
func (m *Manager) OnStatusCallback(conferenceID, event, participantLabel string) {
	m.log.Debug("conference status",
		zap.String("conference_id", conferenceID),
		zap.String("event", event),
		zap.String("participant", participantLabel))

	switch event {
	case "participant-leave", "conference-end":
		m.mu.Lock()
		coord, ok := m.bridges[conferenceID]
		if ok {
			delete(m.bridges, conferenceID)
		}
		delete(m.pending, conferenceID)
		m.mu.Unlock()
		if ok {
			coord.Close()
		}
	}
}

// Shutdown closes every live bridge.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	bridges := make([]*Coordinator, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.bridges = make(map[string]*Coordinator)
	m.pending = make(map[string]*pendingTransfer)
	m.mu.Unlock()

	for _, b := range bridges {
		b.Close()
	}
}

// expireLocked drops stale pending transfers. Caller holds m.mu.
func (m *Manager) expireLocked() {
	cutoff := time.Now().Add(-pendingTTL)
	for id, pt := range m.pending {
		if pt.created.Before(cutoff) {
			delete(m.pending, id)
		}
	}
}
