package conference

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/llm"
	"github.com/square-key-labs/switchboard/src/session"
	"github.com/square-key-labs/switchboard/src/speech"
	"github.com/square-key-labs/switchboard/src/telephony"
)

type managerFixture struct {
	manager  *Manager
	registry *session.Registry
	caller   *session.Session
	owner    *session.Session
	calls    *atomic.Int32
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(llmSrv.Close)

	var controlCalls atomic.Int32
	controlSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		controlCalls.Add(1)
		w.Write([]byte(`{"sid":"CA-new","status":"queued"}`))
	}))
	t.Cleanup(controlSrv.Close)

	driver := llm.NewDriver(llm.DriverConfig{APIKey: "k", Model: "m", BaseURL: llmSrv.URL}, zap.NewNop())
	rt := &session.Runtime{
		Driver: driver,
		Control: telephony.NewClient(telephony.ClientConfig{
			AccountSid: "AC1", AuthToken: "t", FromNumber: "+1000", BaseURL: controlSrv.URL,
		}, zap.NewNop()),
		Tools:  func(string) llm.ToolExecutor { return stubTools{} },
		NewSTT: func(speech.TranscriberHandler, bool) (speech.Transcriber, error) { return fakeSTT{}, nil },
		NewTTS: func(speech.SynthesizerHandler) (speech.Synthesizer, error) { return &fakeTTS{}, nil },
		Log:    zap.NewNop(),
	}
	registry := session.NewRegistry(rt)
	t.Cleanup(registry.Shutdown)

	caller, err := registry.Create(session.StartInfo{StreamSid: "S-caller", CallSid: "CA1"}, &fakeStream{})
	require.NoError(t, err)
	owner, err := registry.Create(session.StartInfo{StreamSid: "S-owner", CallSid: "CA2", Role: session.RoleOwner}, &fakeStream{})
	require.NoError(t, err)

	manager := NewManager(ManagerConfig{
		Registry: registry,
		Control:  rt.Control,
		Coordinator: CoordinatorConfig{
			Driver:     driver,
			Gatekeeper: Silent{},
			NewTTS:     func(speech.SynthesizerHandler) (speech.Synthesizer, error) { return &fakeTTS{}, nil },
			Log:        zap.NewNop(),
		},
		OwnerNumber: "+15559998888",
		PublicURL:   "https://agent.example.com",
		WSURL:       "wss://agent.example.com/media",
		Log:         zap.NewNop(),
	})
	manager.SetToolFactory(rt.Tools)
	t.Cleanup(manager.Shutdown)

	return &managerFixture{
		manager:  manager,
		registry: registry,
		caller:   caller,
		owner:    owner,
		calls:    &controlCalls,
	}
}

func TestTransferPairsOwnerLeg(t *testing.T) {
	f := newManagerFixture(t)

	require.NoError(t, f.manager.StartConference(context.Background(), f.caller, "caller asked for the owner"))
	// caller call updated, owner dialed
	assert.Equal(t, int32(2), f.calls.Load())

	f.manager.mu.Lock()
	require.Len(t, f.manager.pending, 1)
	var conferenceID string
	for id := range f.manager.pending {
		conferenceID = id
	}
	f.manager.mu.Unlock()

	require.NoError(t, f.manager.OnOwnerStream(conferenceID, f.owner))

	assert.Equal(t, session.RoleCaller, f.caller.Role())
	assert.Equal(t, session.RoleOwner, f.owner.Role())

	// the pairing is consumed
	assert.Error(t, f.manager.OnOwnerStream(conferenceID, f.owner))
}

func TestStatusCallbackTearsBridgeDown(t *testing.T) {
	f := newManagerFixture(t)

	require.NoError(t, f.manager.StartConference(context.Background(), f.caller, "handoff"))
	f.manager.mu.Lock()
	var conferenceID string
	for id := range f.manager.pending {
		conferenceID = id
	}
	f.manager.mu.Unlock()
	require.NoError(t, f.manager.OnOwnerStream(conferenceID, f.owner))

	f.manager.OnStatusCallback(conferenceID, "participant-leave", "owner")

	f.manager.mu.Lock()
	assert.Empty(t, f.manager.bridges)
	f.manager.mu.Unlock()
}

func TestOwnerStreamWithoutPendingTransfer(t *testing.T) {
	f := newManagerFixture(t)
	err := f.manager.OnOwnerStream("never-started", f.owner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pending transfer")
}

func TestStartConferenceRequiresOwnerNumber(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.ownerNumber = ""
	err := f.manager.StartConference(context.Background(), f.caller, "handoff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner number")
}
