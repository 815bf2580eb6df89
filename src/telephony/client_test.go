package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(ClientConfig{
		AccountSid: "AC123",
		AuthToken:  "secret",
		FromNumber: "+15550001111",
		BaseURL:    srv.URL,
	}, zap.NewNop())
	return client, srv
}

func TestPlaceCall(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Accounts/AC123/Calls.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15550001111", r.FormValue("From"))
		assert.Equal(t, "+15552223333", r.FormValue("To"))
		assert.Equal(t, "https://agent.example.com/answer?appointmentId=a1", r.FormValue("Url"))

		w.Write([]byte(`{"sid":"CA789","status":"queued"}`))
	})

	sid, err := client.PlaceCall(context.Background(), "+15552223333", "https://agent.example.com/answer?appointmentId=a1")
	require.NoError(t, err)
	assert.Equal(t, "CA789", sid)
}

func TestUpdateCallError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"no such call"}`, http.StatusNotFound)
	})

	err := client.UpdateCall(context.Background(), "CA000", "<Response/>")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestHangUp(t *testing.T) {
	var gotStatus string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotStatus = r.FormValue("Status")
		w.Write([]byte(`{"sid":"CA1","status":"completed"}`))
	})

	require.NoError(t, client.HangUp(context.Background(), "CA1"))
	assert.Equal(t, "completed", gotStatus)
}

func TestCreateConference(t *testing.T) {
	var paths []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		paths = append(paths, r.URL.Path)

		switch r.URL.Path {
		case "/Accounts/AC123/Calls/CA1.json":
			assert.Contains(t, r.FormValue("Twiml"), "bridge-x")
			w.Write([]byte(`{"sid":"CA1","status":"in-progress"}`))
		case "/Accounts/AC123/Calls.json":
			assert.Equal(t, "+15559998888", r.FormValue("To"))
			w.Write([]byte(`{"sid":"CA2","status":"queued"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	ownerSid, err := client.CreateConference(context.Background(),
		"CA1", "bridge-x", "+15559998888",
		"https://agent.example.com/answer?role=owner",
		"https://agent.example.com/conference-status")
	require.NoError(t, err)
	assert.Equal(t, "CA2", ownerSid)
	// caller moved first, then the owner dialed
	assert.Equal(t, []string{"/Accounts/AC123/Calls/CA1.json", "/Accounts/AC123/Calls.json"}, paths)
}
