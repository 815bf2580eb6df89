package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/session"
	"github.com/square-key-labs/switchboard/src/telephony"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleMedia is the media stream WebSocket endpoint. One connection carries
// one stream; the read loop dispatches frames into the registry.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("media upgrade failed", zap.Error(err))
		return
	}
	go s.readMedia(conn)
}

// readMedia owns the connection. The stream id is learned from the start
// frame; a stop frame or connection loss tears the session down unless the
// stream reconnected elsewhere in the meantime.
func (s *Server) readMedia(conn *websocket.Conn) {
	var (
		streamSid string
		sess      *session.Session
		uplink    *telephony.WSMediaStream
	)

	defer func() {
		conn.Close()
		if uplink != nil {
			uplink.Close()
		}
		// only reap the session if this connection is still its transport
		if sess != nil && streamSid != "" {
			if live, ok := s.registry.Get(streamSid); ok && live.Stream() == telephony.MediaStream(uplink) {
				s.registry.Delete(streamSid)
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				s.log.Warn("media read failed", zap.String("stream_sid", streamSid), zap.Error(err))
			}
			return
		}

		msg, err := telephony.DecodeMessage(data)
		if err != nil {
			s.log.Debug("skipping malformed frame", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "connected":
			// protocol preamble

		case "start":
			if msg.Start == nil {
				continue
			}
			streamSid = msg.Start.StreamSid
			uplink = telephony.NewWSMediaStream(streamSid, conn)
			sess = s.handleStart(msg.Start, uplink)
			if sess == nil {
				return
			}

		case "media":
			if sess == nil || msg.Media == nil {
				continue
			}
			mulaw, err := telephony.DecodeMediaPayload(msg.Media)
			if err != nil {
				s.log.Debug("skipping undecodable audio", zap.Error(err))
				continue
			}
			sess.OnInboundFrame(mulaw)

		case "dtmf":
			if msg.DTMF != nil {
				s.log.Info("inbound dtmf", zap.String("stream_sid", streamSid), zap.String("digit", msg.DTMF.Digit))
			}

		case "mark":
			// uplink echo, nothing to do

		case "stop":
			s.log.Info("stream stopped", zap.String("stream_sid", streamSid))
			if streamSid != "" {
				s.registry.Delete(streamSid)
				sess = nil
			}
			return

		default:
			s.log.Debug("unknown stream event", zap.String("event", msg.Event))
		}
	}
}

// handleStart creates the session for a fresh stream id, or swaps adapters
// for a reconnecting one. Conversation and state survive the swap.
func (s *Server) handleStart(start *telephony.StartEvent, uplink *telephony.WSMediaStream) *session.Session {
	params := start.CustomParameters
	role := session.Role(params["role"])
	conferenceID := params["conferenceId"]

	if s.registry.Has(start.StreamSid) {
		sess, err := s.registry.ReplaceAdapters(start.StreamSid, role, uplink)
		if err != nil {
			s.log.Error("adapter swap failed", zap.String("stream_sid", start.StreamSid), zap.Error(err))
			return nil
		}
		return sess
	}

	info := session.StartInfo{
		StreamSid:     start.StreamSid,
		CallSid:       start.CallSid,
		From:          params["from"],
		To:            params["to"],
		Role:          role,
		AppointmentID: params["appointmentId"],
	}
	sess, err := s.registry.Create(info, uplink)
	if err != nil {
		s.log.Error("session create failed", zap.String("stream_sid", start.StreamSid), zap.Error(err))
		return nil
	}

	if role == session.RoleOwner && conferenceID != "" && s.transfers != nil {
		if err := s.transfers.OnOwnerStream(conferenceID, sess); err != nil {
			s.log.Error("bridge pairing failed", zap.String("conference_id", conferenceID), zap.Error(err))
		}
	}
	return sess
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
