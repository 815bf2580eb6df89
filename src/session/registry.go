package session

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/telephony"
)

// ErrSessionNotFound is returned for lookups on unknown stream ids.
var ErrSessionNotFound = errors.New("session: not found")

// Registry maps stream ids to sessions and is the single owner of session
// lifetime. It is accessed from the telephony dispatcher and API handlers;
// mutations are serialized.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rt       *Runtime
	log      *zap.Logger
}

// NewRegistry creates an empty registry bound to the runtime.
func NewRegistry(rt *Runtime) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rt:       rt,
		log:      rt.Log.Named("registry"),
	}
}

// Create builds and registers a session for a new stream id and initializes
// it. Fails if the id is already registered; reconnections go through
// ReplaceAdapters instead.
func (r *Registry) Create(info StartInfo, stream telephony.MediaStream) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[info.StreamSid]; exists {
		return nil, fmt.Errorf("session: stream %s already registered", info.StreamSid)
	}

	s, err := NewSession(r.rt, info, stream)
	if err != nil {
		return nil, err
	}
	r.sessions[info.StreamSid] = s
	s.setReaper(func() { r.Delete(info.StreamSid) })
	s.Init()
	r.log.Info("session created", zap.String("stream_sid", info.StreamSid), zap.String("role", string(info.Role)))
	return s, nil
}

// Get returns the session for a stream id.
func (r *Registry) Get(streamSid string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[streamSid]
	return s, ok
}

// Has reports whether a stream id is registered.
func (r *Registry) Has(streamSid string) bool {
	_, ok := r.Get(streamSid)
	return ok
}

// ReplaceAdapters performs the in-place adapter swap for a reconnecting
// stream id: fresh STT/TTS handles are built against the new transport and
// the old ones are closed exactly once. Conversation, state and conference
// binding survive.
func (r *Registry) ReplaceAdapters(streamSid string, role Role, stream telephony.MediaStream) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[streamSid]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	if role != "" {
		s.SetRole(role)
	}

	h := s.nextAdapterEpoch()
	stt, err := r.rt.NewSTT(h, s.Role() != RoleSolo)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild transcriber: %w", err)
	}
	tts, err := r.rt.NewTTS(h)
	if err != nil {
		stt.Close()
		return nil, fmt.Errorf("failed to rebuild synthesizer: %w", err)
	}

	s.ReplaceAdapters(stt, tts, stream)
	r.log.Info("session reconnected", zap.String("stream_sid", streamSid))
	return s, nil
}

// Delete tears the session down and removes it. Only the registry destroys
// sessions.
func (r *Registry) Delete(streamSid string) {
	r.mu.Lock()
	s, ok := r.sessions[streamSid]
	delete(r.sessions, streamSid)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Cleanup()
	r.log.Info("session deleted", zap.String("stream_sid", streamSid))
}

// Shutdown tears down every session, for process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Cleanup()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
