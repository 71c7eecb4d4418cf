package comments

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pawmap/comment-sync-go/internal/protocol"
	"github.com/pawmap/comment-sync-go/internal/socket"
)

const (
	defaultAckTimeout    = 5 * time.Second
	defaultSafetyTimeout = 6 * time.Second
)

// ErrNoUser indicates a mutation that requires an authenticated user was
// attempted without one.
var ErrNoUser = errors.New("no authenticated user")

// ErrUpdateTimeout indicates an update received no acknowledgement within
// the safety window.
var ErrUpdateTimeout = errors.New("update timed out")

// ErrDeleteTimeout indicates a delete received no acknowledgement within
// the safety window.
var ErrDeleteTimeout = errors.New("delete timed out")

// ServerError carries a broker-reported failure verbatim.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Identity is the authenticated user as seen by this subsystem. Session
// handling itself is an external collaborator.
type Identity struct {
	ID string
}

// IdentityFunc yields the current user, or false when nobody is signed in.
type IdentityFunc func() (Identity, bool)

// Conn is the slice of the socket client the comment layer relies on.
type Conn interface {
	Emit(event string, payload any)
	EmitWithAck(ctx context.Context, event string, payload any, timeout time.Duration) (protocol.Ack, error)
	On(event string, handler func(data json.RawMessage)) func()
}

// Gateway turns local comment intents into acknowledged broker requests
// with bounded waits. Every call settles exactly once: by ack, by server
// error or by the safety window, whichever comes first.
type Gateway struct {
	conn          Conn
	target        protocol.Target
	identity      IdentityFunc
	validate      *validator.Validate
	sanitizer     *bluemonday.Policy
	logger        zerolog.Logger
	tracer        trace.Tracer
	ackTimeout    time.Duration
	safetyTimeout time.Duration
}

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithAckTimeout overrides the transport acknowledgement deadline.
func WithAckTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.ackTimeout = d
		}
	}
}

// WithSafetyTimeout overrides the wall-clock settlement bound observed by
// callers.
func WithSafetyTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.safetyTimeout = d
		}
	}
}

// WithSanitizer overrides the content sanitization policy.
func WithSanitizer(policy *bluemonday.Policy) GatewayOption {
	return func(g *Gateway) {
		if policy != nil {
			g.sanitizer = policy
		}
	}
}

// NewGateway constructs a mutation gateway scoped to one target.
func NewGateway(conn Conn, target protocol.Target, identity IdentityFunc, validate *validator.Validate, logger zerolog.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		conn:          conn,
		target:        target,
		identity:      identity,
		validate:      validate,
		sanitizer:     bluemonday.UGCPolicy(),
		logger:        logger.With().Str("component", "comment_gateway").Logger(),
		tracer:        otel.Tracer("github.com/pawmap/comment-sync-go/internal/comments"),
		ackTimeout:    defaultAckTimeout,
		safetyTimeout: defaultSafetyTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Create posts a new comment or reply. Without a signed-in user or with
// content that is empty after sanitization it returns nil without sending
// anything. A missing acknowledgement is treated as success once the
// safety window elapses; the broadcast, not the ack, is the source of
// truth for creation.
func (g *Gateway) Create(ctx context.Context, content string, parentID *string) error {
	me, ok := g.currentUser()
	if !ok {
		return nil
	}

	clean := strings.TrimSpace(g.sanitizer.Sanitize(content))
	if clean == "" {
		return nil
	}

	payload := protocol.CreatePayload{
		SubscribePayload: g.scope(),
		UserID:           me.ID,
		Content:          clean,
		ParentID:         parentID,
	}
	if err := g.validate.Struct(payload); err != nil {
		return err
	}

	ctx, span := g.tracer.Start(ctx, "comment.create", trace.WithAttributes(g.spanAttrs(me)...))
	defer span.End()

	done := make(chan struct{}, 1)
	go func() {
		_, err := g.conn.EmitWithAck(ctx, protocol.EventCreate, payload, g.ackTimeout)
		if errors.Is(err, socket.ErrAckTimeout) {
			// The safety window settles the call.
			return
		}
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-time.After(g.safetyTimeout):
		g.logger.Debug().Str("target_id", g.target.ID).Msg("create settled by safety timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Update rewrites the content of an existing comment. It fails with
// ErrNoUser when nobody is signed in, with the broker's error when the
// ack reports one, and with ErrUpdateTimeout when no ack arrives within
// the safety window.
func (g *Gateway) Update(ctx context.Context, id, content string) error {
	me, ok := g.currentUser()
	if !ok {
		return ErrNoUser
	}

	payload := protocol.UpdatePayload{
		SubscribePayload: g.scope(),
		ID:               id,
		UserID:           me.ID,
		Content:          strings.TrimSpace(g.sanitizer.Sanitize(content)),
	}
	if err := g.validate.Struct(payload); err != nil {
		return err
	}

	ctx, span := g.tracer.Start(ctx, "comment.update", trace.WithAttributes(g.spanAttrs(me)...))
	defer span.End()

	err := g.settle(ctx, protocol.EventUpdate, payload, ErrUpdateTimeout)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Remove deletes an existing comment, with the same contract shape as
// Update.
func (g *Gateway) Remove(ctx context.Context, id string) error {
	me, ok := g.currentUser()
	if !ok {
		return ErrNoUser
	}

	payload := protocol.DeletePayload{
		SubscribePayload: g.scope(),
		ID:               id,
		UserID:           me.ID,
	}
	if err := g.validate.Struct(payload); err != nil {
		return err
	}

	ctx, span := g.tracer.Start(ctx, "comment.delete", trace.WithAttributes(g.spanAttrs(me)...))
	defer span.End()

	err := g.settle(ctx, protocol.EventDelete, payload, ErrDeleteTimeout)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Typing announces that the current user is composing a comment. It is a
// pure fire-and-forget command: no acknowledgement, no outcome.
func (g *Gateway) Typing() {
	me, ok := g.currentUser()
	if !ok {
		return
	}

	g.conn.Emit(protocol.EventTyping, protocol.TypingPayload{
		SubscribePayload: g.scope(),
		UserID:           me.ID,
	})
}

// settle runs one acknowledged mutation and maps its outcome: {ok:true}
// and ack shapes without an error resolve, a broker-reported error
// rejects verbatim, and silence rejects with timeoutErr once the safety
// window elapses. Whichever path settles first wins.
func (g *Gateway) settle(ctx context.Context, event string, payload any, timeoutErr error) error {
	done := make(chan error, 1)
	go func() {
		ack, err := g.conn.EmitWithAck(ctx, event, payload, g.ackTimeout)
		switch {
		case errors.Is(err, socket.ErrAckTimeout):
			// The safety window settles the call.
		case err != nil:
			done <- err
		case ack.OK:
			done <- nil
		case ack.Error != "":
			done <- &ServerError{Message: ack.Error}
		default:
			done <- nil
		}
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(g.safetyTimeout):
		return timeoutErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) currentUser() (Identity, bool) {
	if g.identity == nil {
		return Identity{}, false
	}
	me, ok := g.identity()
	if !ok || me.ID == "" {
		return Identity{}, false
	}
	return me, true
}

func (g *Gateway) scope() protocol.SubscribePayload {
	return protocol.SubscribePayload{
		TargetType: g.target.Type,
		TargetID:   g.target.ID,
	}
}

func (g *Gateway) spanAttrs(me Identity) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("comment.target_type", string(g.target.Type)),
		attribute.String("comment.target_id", g.target.ID),
		attribute.String("comment.user_id", me.ID),
	}
}
