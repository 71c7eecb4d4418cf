// Package brokertest runs an in-process comment broker speaking the wire
// contract, for use in tests. It subscribes, acks and broadcasts like the
// production broker but holds no state beyond live connections.
package brokertest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/pawmap/comment-sync-go/internal/protocol"
)

// AckFunc decides the acknowledgement for a request envelope. Returning
// nil suppresses the ack entirely, which is how tests exercise timeout
// paths.
type AckFunc func(env protocol.Envelope) *protocol.Ack

// Server is the in-process broker double.
type Server struct {
	app      *fiber.App
	listener net.Listener
	done     chan struct{}
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	subs     map[string]map[*session]struct{}
	received []protocol.Envelope
	ackFunc  AckFunc
}

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) write(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// New starts a broker double on a random loopback port.
func New(logger zerolog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("create listener: %w", err)
	}

	s := &Server{
		listener: listener,
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "broker_double").Logger(),
		sessions: make(map[*session]struct{}),
		subs:     make(map[string]map[*session]struct{}),
		ackFunc: func(protocol.Envelope) *protocol.Ack {
			return &protocol.Ack{OK: true}
		},
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleConnection))
	s.app = app

	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Debug().Err(err).Msg("broker listener stopped")
		}
		close(s.done)
	}()
	time.Sleep(50 * time.Millisecond)

	return s, nil
}

// URL returns the websocket endpoint clients should dial.
func (s *Server) URL() string {
	return "ws://" + s.listener.Addr().String() + "/ws"
}

// Close shuts the broker down and severs every connection.
func (s *Server) Close() {
	s.DropConnections()
	_ = s.app.Shutdown()
	_ = s.listener.Close()
	select {
	case <-s.done:
	case <-time.After(100 * time.Millisecond):
	}
}

// SetAckFunc replaces the acknowledgement script for subsequent requests.
func (s *Server) SetAckFunc(fn AckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackFunc = fn
}

// Broadcast pushes a server event to every subscriber of the target.
func (s *Server) Broadcast(target protocol.Target, event string, payload any) {
	env, err := protocol.NewEnvelope(event, "", payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode broadcast")
		return
	}

	s.mu.Lock()
	subscribers := make([]*session, 0, len(s.subs[targetKey(target)]))
	for sess := range s.subs[targetKey(target)] {
		subscribers = append(subscribers, sess)
	}
	s.mu.Unlock()

	for _, sess := range subscribers {
		if err := sess.write(env); err != nil {
			s.logger.Debug().Err(err).Msg("broadcast write failed")
		}
	}
}

// Envelopes returns a copy of every request frame received so far.
func (s *Server) Envelopes() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.Envelope, len(s.received))
	copy(out, s.received)
	return out
}

// WaitForEvent blocks until a frame with the given event name has been
// received, or the timeout elapses.
func (s *Server) WaitForEvent(event string, timeout time.Duration) (protocol.Envelope, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, env := range s.received {
			if env.Event == event {
				s.mu.Unlock()
				return env, true
			}
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	return protocol.Envelope{}, false
}

// SubscriberCount reports how many live connections are subscribed to the
// target.
func (s *Server) SubscriberCount(target protocol.Target) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[targetKey(target)])
}

// DropConnections severs every live connection without stopping the
// listener, so clients exercise their reconnect path.
func (s *Server) DropConnections() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
}

func (s *Server) handleConnection(conn *websocket.Conn) {
	sess := &session{conn: conn}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		for key, subscribers := range s.subs {
			delete(subscribers, sess)
			if len(subscribers) == 0 {
				delete(s.subs, key)
			}
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		s.mu.Lock()
		s.received = append(s.received, env)
		ackFunc := s.ackFunc
		s.mu.Unlock()

		switch env.Event {
		case protocol.EventSubscribe:
			if key, ok := scopeKey(env.Data); ok {
				s.mu.Lock()
				if _, exists := s.subs[key]; !exists {
					s.subs[key] = make(map[*session]struct{})
				}
				s.subs[key][sess] = struct{}{}
				s.mu.Unlock()
			}
		case protocol.EventUnsubscribe:
			if key, ok := scopeKey(env.Data); ok {
				s.mu.Lock()
				if subscribers, exists := s.subs[key]; exists {
					delete(subscribers, sess)
					if len(subscribers) == 0 {
						delete(s.subs, key)
					}
				}
				s.mu.Unlock()
			}
		case protocol.EventCreate, protocol.EventUpdate, protocol.EventDelete:
			if env.ID == "" || ackFunc == nil {
				continue
			}
			ack := ackFunc(env)
			if ack == nil {
				continue
			}
			ackEnv, err := protocol.NewEnvelope(protocol.EventAck, env.ID, ack)
			if err != nil {
				continue
			}
			if err := sess.write(ackEnv); err != nil {
				s.logger.Debug().Err(err).Msg("ack write failed")
			}
		}
	}
}

func targetKey(target protocol.Target) string {
	return string(target.Type) + "|" + target.ID
}

func scopeKey(data json.RawMessage) (string, bool) {
	var payload protocol.SubscribePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", false
	}
	if payload.TargetID == "" {
		return "", false
	}
	return targetKey(protocol.Target{Type: payload.TargetType, ID: payload.TargetID}), true
}
