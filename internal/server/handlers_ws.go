package server

import (
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/mindcreek/non-messenger/internal/metrics"
	"github.com/mindcreek/non-messenger/internal/session"
	"github.com/mindcreek/non-messenger/internal/wire"
)

// wsSender adapts a gobwas connection to the session registry's Sender.
// Writes are serialized by a mutex rather than a write pump: every outward
// write needs a synchronous success/failure result so the delivery engine
// can decide delivered-vs-pooled on the spot.
type wsSender struct {
	conn net.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsSender) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

func (c *wsSender) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, reason)
		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
		c.writeMu.Unlock()

		// Closing the transport unblocks the session's read loop.
		c.conn.Close()
	})
	return nil
}

// handleWebSocket upgrades the connection and runs the session read loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Resource admission control: connection cap plus CPU, memory and
	// goroutine emergency brakes.
	if accept, reason := s.guard.ShouldAccept(); !accept {
		metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		s.logger.Warn().
			Str("reason", reason).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("connection rejected by resource guard")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()
		s.logger.Warn().
			Int("max_connections", s.cfg.MaxConnections).
			Msg("connection rejected, server at capacity")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := s.sessions.Open(&wsSender{conn: conn})

	s.wg.Add(1)
	go s.readLoop(sess, conn)
}

// readLoop drains inbound frames for one session until the transport
// fails or closes. Every inbound frame, well-formed or not, refreshes the
// session's last-seen instant; only transport failure ends the loop.
func (s *Server) readLoop(sess *session.Session, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("session_id", sess.ID).
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("session read loop panicked")
		}
	}()
	defer func() {
		s.sessions.Close(sess.ID, "connection_closed")
		<-s.connectionsSem
	}()

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}

		_ = s.sessions.Touch(sess.ID)

		switch op {
		case ws.OpText:
			s.handleFrame(sess, data)
		case ws.OpClose:
			return
		}
	}
}

// handleFrame dispatches one inbound duplex-channel frame on its type tag.
// A malformed frame gets an error reply; the session stays open.
func (s *Server) handleFrame(sess *session.Session, data []byte) {
	var head wire.InboundFrame
	if err := json.Unmarshal(data, &head); err != nil {
		s.sendError(sess, "invalid frame: not valid JSON")
		return
	}

	switch head.Type {
	case wire.FrameRegisterUser:
		s.handleRegisterUser(sess, data)
	case wire.FrameStatusUpdate:
		s.broadcastAll(sess, data)
	case wire.FrameRealTimeMessage:
		s.forwardRealTime(sess, data)
	default:
		s.sendError(sess, "unknown frame type: "+head.Type)
	}
}

func (s *Server) handleRegisterUser(sess *session.Session, data []byte) {
	var frame wire.RegisterUserFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.ContactCode == "" {
		s.sendError(sess, "register_user requires contactCode")
		return
	}

	if err := s.sessions.Bind(sess.ID, frame.ContactCode); err != nil {
		s.sendError(sess, "registration failed: "+err.Error())
		return
	}

	ack := wire.RegistrationSuccessFrame{
		Type:      wire.FrameRegistrationSuccess,
		SessionID: sess.ID,
	}
	if err := sess.Send(ack); err != nil {
		s.sessions.Close(sess.ID, "transport_error")
	}
}

// broadcastAll forwards a status_update frame verbatim to every open
// session, including the sender's.
func (s *Server) broadcastAll(sess *session.Session, data []byte) {
	var frame wire.StatusUpdateFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError(sess, "invalid status_update frame")
		return
	}
	sess.SetStatus(frame.Status)

	for _, target := range s.sessions.All() {
		if err := target.Send(json.RawMessage(data)); err != nil {
			s.sessions.Close(target.ID, "transport_error")
		}
	}
}

// forwardRealTime writes a real_time_message frame verbatim to every
// session bound to its recipient. Ephemeral: the pool is never touched, so
// an offline recipient simply misses the frame.
func (s *Server) forwardRealTime(sess *session.Session, data []byte) {
	var frame wire.RealTimeMessageFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.RecipientContactCode == "" {
		s.sendError(sess, "real_time_message requires recipientContactCode")
		return
	}

	for _, target := range s.sessions.Lookup(frame.RecipientContactCode) {
		if err := target.Send(json.RawMessage(data)); err != nil {
			s.sessions.Close(target.ID, "transport_error")
		}
	}
}

func (s *Server) sendError(sess *session.Session, msg string) {
	frame := wire.ErrorFrame{Type: wire.FrameError, Error: msg}
	if err := sess.Send(frame); err != nil {
		s.sessions.Close(sess.ID, "transport_error")
	}
}
