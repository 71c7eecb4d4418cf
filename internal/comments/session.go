package comments

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/pawmap/comment-sync-go/internal/protocol"
)

// ErrEmptyTarget indicates an attempt to open a session without a target
// id; no subscription is issued in that case.
var ErrEmptyTarget = errors.New("comment target id is empty")

// Session binds the connection to a single target: it subscribes on open,
// routes that target's broadcasts into its store, and unsubscribes
// exactly once on Close. Switching targets means closing the session and
// opening a new one; collections are never merged across targets.
type Session struct {
	conn    Conn
	store   *Store
	gateway *Gateway
	target  protocol.Target
	logger  zerolog.Logger

	offs      []func()
	closeOnce sync.Once
}

// SessionOption customises a session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	identity    IdentityFunc
	storeOpts   []StoreOption
	gatewayOpts []GatewayOption
}

// WithIdentity supplies the authenticated-user provider used by the
// mutation gateway.
func WithIdentity(identity IdentityFunc) SessionOption {
	return func(c *sessionConfig) {
		c.identity = identity
	}
}

// WithStoreOptions forwards options to the session's store.
func WithStoreOptions(opts ...StoreOption) SessionOption {
	return func(c *sessionConfig) {
		c.storeOpts = append(c.storeOpts, opts...)
	}
}

// WithGatewayOptions forwards options to the session's gateway.
func WithGatewayOptions(opts ...GatewayOption) SessionOption {
	return func(c *sessionConfig) {
		c.gatewayOpts = append(c.gatewayOpts, opts...)
	}
}

// Open subscribes to the target's comment traffic and starts applying its
// broadcasts. The caller must Close the session when the view unmounts or
// retargets.
func Open(conn Conn, target protocol.Target, validate *validator.Validate, logger zerolog.Logger, opts ...SessionOption) (*Session, error) {
	if target.ID == "" || target.Type == "" {
		return nil, ErrEmptyTarget
	}

	cfg := sessionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	sessionLogger := logger.With().
		Str("component", "comment_session").
		Str("target_type", string(target.Type)).
		Str("target_id", target.ID).
		Logger()

	s := &Session{
		conn:   conn,
		store:  NewStore(target, logger, cfg.storeOpts...),
		target: target,
		logger: sessionLogger,
	}
	s.gateway = NewGateway(conn, target, cfg.identity, validate, logger, cfg.gatewayOpts...)

	for _, event := range []string{protocol.EventNew, protocol.EventUpdated, protocol.EventDeleted, protocol.EventTyping} {
		s.offs = append(s.offs, conn.On(event, s.handlerFor(event)))
	}

	conn.Emit(protocol.EventSubscribe, protocol.SubscribePayload{
		TargetType: target.Type,
		TargetID:   target.ID,
	})
	s.logger.Debug().Msg("subscribed to comment thread")

	return s, nil
}

// Close unsubscribes and removes the session's handlers. Safe to call
// more than once; only the first call emits the unsubscribe command.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.conn.Emit(protocol.EventUnsubscribe, protocol.SubscribePayload{
			TargetType: s.target.Type,
			TargetID:   s.target.ID,
		})
		for _, off := range s.offs {
			off()
		}
		s.logger.Debug().Msg("unsubscribed from comment thread")
	})
}

// Seed loads the initial REST hydration result into the store.
func (s *Session) Seed(initial []protocol.Comment) {
	s.store.Seed(initial)
}

// Comments returns a snapshot of the flat collection, newest first.
func (s *Session) Comments() []protocol.Comment {
	return s.store.Comments()
}

// Tree returns the reply forest derived from the current collection.
func (s *Session) Tree() []*Node {
	return BuildTree(s.store.Comments())
}

// TypingUserID returns who is typing right now, or "".
func (s *Session) TypingUserID() string {
	return s.store.TypingUserID()
}

// Create posts a comment or reply through the mutation gateway.
func (s *Session) Create(ctx context.Context, content string, parentID *string) error {
	return s.gateway.Create(ctx, content, parentID)
}

// Update rewrites a comment's content through the mutation gateway.
func (s *Session) Update(ctx context.Context, id, content string) error {
	return s.gateway.Update(ctx, id, content)
}

// Remove deletes a comment through the mutation gateway.
func (s *Session) Remove(ctx context.Context, id string) error {
	return s.gateway.Remove(ctx, id)
}

// Typing announces the current user is composing a comment.
func (s *Session) Typing() {
	s.gateway.Typing()
}

func (s *Session) handlerFor(event string) func(json.RawMessage) {
	return func(data json.RawMessage) {
		ev, err := protocol.DecodeEvent(event, data)
		if err != nil {
			s.logger.Warn().Err(err).Str("event", event).Msg("dropping malformed broadcast")
			return
		}
		s.store.Apply(ev)
	}
}
