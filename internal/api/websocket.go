package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/wemos-relay/internal/gateway"
)

// Credential headers a device may send on the upgrade request instead of
// an auth frame.
const (
	headerUsername = "x-username"
	headerPassword = "x-password"
)

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxMessageSize = 8192
	closeGracePeriod      = time.Second
)

// wsTransport adapts a gorilla connection to gateway.Transport. The gateway
// session serialises writes; Close uses WriteControl, which gorilla allows
// concurrently with other writers.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) WriteMessage(data []byte) error {
	//nolint:errcheck // Best-effort deadline; write error caught below
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	//nolint:errcheck // Peer may already be gone; the socket is closed regardless
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return t.conn.Close()
}

func (s *Server) writeTimeout() time.Duration {
	if s.wsCfg.WriteTimeout > 0 {
		return time.Duration(s.wsCfg.WriteTimeout) * time.Second
	}
	return defaultWriteTimeout
}

func (s *Server) maxMessageSize() int64 {
	if s.wsCfg.MaxMessageSize > 0 {
		return int64(s.wsCfg.MaxMessageSize)
	}
	return defaultMaxMessageSize
}

// upgrade switches the request to a WebSocket and wraps it as a transport.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, *wsTransport, bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed",
			"path", r.URL.Path,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		return nil, nil, false
	}
	conn.SetReadLimit(s.maxMessageSize())
	return conn, &wsTransport{conn: conn, writeTimeout: s.writeTimeout()}, true
}

// handleDeviceSocket runs one device connection from upgrade to close.
//
// Credentials may arrive as x-username/x-password headers, in which case
// they are verified before the first read; otherwise the device has the
// grace window to send an auth frame.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	claimedID := r.URL.Query().Get("deviceId")

	var creds *gateway.Credentials
	if u, p := r.Header.Get(headerUsername), r.Header.Get(headerPassword); u != "" || p != "" {
		creds = &gateway.Credentials{Username: u, Password: p}
	}

	conn, transport, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	ctx := s.baseCtx
	sess := s.gateway.NewSession(gateway.RolePendingDevice, transport, claimedID, r.RemoteAddr)
	if err := s.gateway.OpenDevice(ctx, sess, creds); err != nil {
		s.logger.Debug("device connection refused",
			"connection_id", sess.ID,
			"claimed_id", claimedID,
			"error", err,
		)
		s.gateway.DeviceClosed(ctx, sess)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !sess.Closed() {
				s.logger.Debug("device read error", "device", sess.DisplayName(), "error", err)
			}
			break
		}
		if err := s.gateway.HandleDeviceFrame(ctx, sess, data); err != nil {
			s.logger.Debug("device connection ending",
				"device", sess.DisplayName(),
				"connection_id", sess.ID,
				"error", err,
			)
			break
		}
	}

	s.gateway.DeviceClosed(ctx, sess)
}

// handleObserverSocket runs one observer connection from upgrade to close.
func (s *Server) handleObserverSocket(w http.ResponseWriter, r *http.Request) {
	conn, transport, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	ctx := s.baseCtx
	sess := s.gateway.NewSession(gateway.RoleObserver, transport, "", r.RemoteAddr)
	if err := s.gateway.OpenObserver(sess); err != nil {
		s.logger.Error("observer registration failed", "error", err)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if err := s.gateway.HandleObserverFrame(ctx, sess, data); err != nil {
			break
		}
	}

	s.gateway.ObserverClosed(sess)
}
