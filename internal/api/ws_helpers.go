package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"inowatch/internal/logging"

	"github.com/gorilla/websocket"
)

const (
	wsBufferSize   = 1024
	wsWriteTimeout = 10 * time.Second
	// Control frame payloads are capped at 125 bytes, two of which hold the
	// close code.
	wsMaxCloseReason = 123
)

// wsStream pumps values from a subscription channel to one websocket.
// Payload returns false to skip a value.
type wsStream[T any] struct {
	Conn    *websocket.Conn
	Output  <-chan T
	Payload func(T) (any, bool)

	stopOnce sync.Once
	done     chan struct{}
}

// start launches the writer goroutine. It ends when Output closes, a write
// fails, or Stop is called.
func (s *wsStream[T]) start() {
	s.done = make(chan struct{})
	go func() {
		for {
			select {
			case value, ok := <-s.Output:
				if !ok {
					return
				}
				var out any = value
				send := true
				if s.Payload != nil {
					out, send = s.Payload(value)
				}
				if !send {
					continue
				}
				if err := s.Conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
				if err := s.Conn.WriteJSON(out); err != nil {
					return
				}
			case <-s.done:
				return
			}
		}
	}()
}

func (s *wsStream[T]) Stop() {
	s.stopOnce.Do(func() {
		if s.done != nil {
			close(s.done)
		}
	})
}

// drain reads until the client goes away. Client messages are handed to
// onMessage when it is set.
func drain(conn *websocket.Conn, onMessage func(messageType int, data []byte)) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if onMessage != nil {
			onMessage(messageType, data)
		}
	}
}

// serveWSStream upgrades the request and streams output until the client
// disconnects.
func serveWSStream[T any](w http.ResponseWriter, r *http.Request, origins []string, logger *logging.Logger, output <-chan T, payload func(T) (any, bool)) {
	if output == nil {
		return
	}
	conn, err := upgradeWebSocket(w, r, origins)
	if err != nil {
		logWSError(logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}
	defer conn.Close()

	stream := &wsStream[T]{Conn: conn, Output: output, Payload: payload}
	stream.start()
	defer stream.Stop()
	drain(conn, nil)
}

func upgradeWebSocket(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowedOrigins)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

func requireWSToken(w http.ResponseWriter, r *http.Request, token string, logger *logging.Logger) bool {
	if validateToken(r, token) {
		return true
	}
	writeWSError(w, r, nil, logger, wsError{
		Status:    http.StatusUnauthorized,
		CloseCode: websocket.ClosePolicyViolation,
		Message:   "unauthorized",
	})
	return false
}

type wsError struct {
	Status    int
	CloseCode int
	Message   string
	Err       error
	// Envelope sends an error message before the close frame.
	Envelope bool
}

type wsErrorPayload struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	CloseCode int    `json:"close_code,omitempty"`
}

// writeWSError sends a close frame when a websocket is available and an HTTP
// error otherwise.
func writeWSError(w http.ResponseWriter, r *http.Request, conn *websocket.Conn, logger *logging.Logger, wsErr wsError) {
	if wsErr.Status == 0 {
		wsErr.Status = http.StatusInternalServerError
	}
	wsErr.Message = strings.TrimSpace(wsErr.Message)
	if wsErr.Message == "" {
		wsErr.Message = http.StatusText(wsErr.Status)
	}
	if wsErr.CloseCode == 0 {
		wsErr.CloseCode = closeCodeForStatus(wsErr.Status)
	}
	logWSError(logger, r, wsErr)

	if conn == nil {
		http.Error(w, wsErr.Message, wsErr.Status)
		return
	}

	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if wsErr.Envelope {
		_ = conn.WriteJSON(wsErrorPayload{
			Type:      "error",
			Message:   wsErr.Message,
			Status:    wsErr.Status,
			CloseCode: wsErr.CloseCode,
		})
	}
	reason := wsErr.Message
	if len(reason) > wsMaxCloseReason {
		reason = reason[:wsMaxCloseReason]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(wsErr.CloseCode, reason), deadline)
	_ = conn.Close()
}

func logWSError(logger *logging.Logger, r *http.Request, wsErr wsError) {
	if logger == nil || r == nil {
		return
	}
	closeCode := wsErr.CloseCode
	if closeCode == 0 {
		closeCode = closeCodeForStatus(wsErr.Status)
	}
	fields := map[string]string{
		logging.FieldCategory: "api",
		"http.route":          r.URL.Path,
		"status":              strconv.Itoa(wsErr.Status),
		"close_code":          strconv.Itoa(closeCode),
		"message":             wsErr.Message,
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if wsErr.Err != nil {
		fields[logging.FieldError] = wsErr.Err.Error()
	}
	if wsErr.Status >= http.StatusInternalServerError {
		logger.Error("websocket error", fields)
		return
	}
	logger.Warn("websocket error", fields)
}

func closeCodeForStatus(status int) int {
	switch {
	case status == http.StatusBadRequest:
		return websocket.CloseProtocolError
	case status == http.StatusServiceUnavailable:
		return websocket.CloseTryAgainLater
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}
