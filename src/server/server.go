package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/conference"
	"github.com/square-key-labs/switchboard/src/session"
	"github.com/square-key-labs/switchboard/src/telephony"
)

// Server exposes the telephony-facing surface: the media stream WebSocket,
// the TwiML answer webhook and the conference status callback.
type Server struct {
	registry  *session.Registry
	transfers *conference.Manager
	wsURL     string
	httpSrv   *http.Server
	log       *zap.Logger
}

// Config wires the server.
type Config struct {
	Addr      string
	WSURL     string
	Registry  *session.Registry
	Transfers *conference.Manager
	Log       *zap.Logger
}

// New builds the server and its routes.
func New(config Config) *Server {
	s := &Server{
		registry:  config.Registry,
		transfers: config.Transfers,
		wsURL:     config.WSURL,
		log:       config.Log.Named("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/media", s.handleMedia)
	mux.HandleFunc("/answer", s.handleAnswer)
	mux.HandleFunc("/conference-status", s.handleConferenceStatus)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.httpSrv.Addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// handleAnswer returns the TwiML that connects an answered call to the media
// endpoint. Query parameters are forwarded as stream custom parameters so
// they reappear on the start frame.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	params := map[string]string{}
	for _, key := range []string{"role", "conferenceId", "appointmentId"} {
		if v := r.URL.Query().Get(key); v != "" {
			params[key] = v
		}
	}
	if from := r.FormValue("From"); from != "" {
		params["from"] = from
	}
	if to := r.FormValue("To"); to != "" {
		params["to"] = to
	}

	twiml := telephony.StreamTwiML(s.wsURL, params)
	w.Header().Set("Content-Type", "text/xml")
	if _, err := w.Write([]byte(twiml)); err != nil {
		s.log.Warn("answer write failed", zap.Error(err))
	}
}

// handleConferenceStatus receives form-encoded conference events from the
// provider and forwards them to the bridge manager.
func (s *Server) handleConferenceStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	conferenceID := r.URL.Query().Get("conferenceId")
	event := r.FormValue("StatusCallbackEvent")
	participant := r.FormValue("ParticipantLabel")

	if s.transfers != nil && conferenceID != "" {
		s.transfers.OnStatusCallback(conferenceID, event, participant)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
