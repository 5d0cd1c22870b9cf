package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/backdrop/studio/pkg/logger"
)

const (
	closeUnauthorized = 4001
	readLimit         = 4096
)

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	UserIDFromToken(token string) (string, error)
}

// SnapshotFunc returns the state sent to a client right after it subscribes.
type SnapshotFunc func(ctx context.Context, userID string) (interface{}, error)

// Stream serves /ws/progress. Each connection owns one Redis subscription.
type Stream struct {
	client         redis.UniversalClient
	publisher      *Publisher
	verifier       TokenVerifier
	snapshot       SnapshotFunc
	allowedOrigins []string
	log            *logger.Logger

	pingInterval    time.Duration
	writeWait       time.Duration
	activityTimeout time.Duration
}

func NewStream(client redis.UniversalClient, publisher *Publisher, verifier TokenVerifier, allowedOrigins []string, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.Nop()
	}
	return &Stream{
		client:          client,
		publisher:       publisher,
		verifier:        verifier,
		allowedOrigins:  allowedOrigins,
		log:             log,
		pingInterval:    30 * time.Second,
		writeWait:       10 * time.Second,
		activityTimeout: 60 * time.Second,
	}
}

// WithSnapshot sends fn's result as the first message of every connection.
func (s *Stream) WithSnapshot(fn SnapshotFunc) *Stream {
	s.snapshot = fn
	return s
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return allowOrigin(r, s.allowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("progress ws upgrade failed")
		return
	}

	userID, err := s.authenticate(r)
	if err != nil {
		s.closeWithCode(conn, closeUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithCancel(logger.ContextWithUserID(context.Background(), userID))
	defer cancel()

	sub := s.client.Subscribe(ctx, s.publisher.ChannelFor(userID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("progress subscribe failed")
		s.closeWithCode(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}

	if s.snapshot != nil {
		if err := s.sendSnapshot(ctx, conn, userID); err != nil {
			conn.Close()
			return
		}
	}

	go s.readPump(conn, cancel)
	s.writePump(ctx, conn, sub.Channel())
}

func (s *Stream) authenticate(r *http.Request) (string, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		if header := r.Header.Get("Authorization"); header != "" {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	return s.verifier.UserIDFromToken(token)
}

func (s *Stream) sendSnapshot(ctx context.Context, conn *websocket.Conn, userID string) error {
	state, err := s.snapshot(ctx, userID)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("progress snapshot failed")
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(Event{Channel: "session", Event: "snapshot", Data: raw, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// readPump only watches for the client going away.
func (s *Stream) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(s.activityTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.activityTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.activityTimeout))
	}
}

func (s *Stream) writePump(ctx context.Context, conn *websocket.Conn, messages <-chan *redis.Message) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg, ok := <-messages:
			conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Stream) closeWithCode(conn *websocket.Conn, code int, message string) {
	conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, message))
	conn.Close()
}

func allowOrigin(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// non-browser clients
		return true
	}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" || (o != "" && o == origin) {
			return true
		}
	}
	return false
}
