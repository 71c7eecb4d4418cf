package comments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pawmap/comment-sync-go/internal/protocol"
)

func openTestSession(t *testing.T, conn Conn, opts ...SessionOption) *Session {
	t.Helper()
	validate := validator.New(validator.WithRequiredStructEnabled())
	session, err := Open(conn, testTarget, validate, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return session
}

func (s *stubConn) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	s.mu.Lock()
	handler := s.handlers[event]
	s.mu.Unlock()
	require.NotNil(t, handler, "no handler registered for %s", event)
	handler(data)
}

func TestOpenRejectsEmptyTarget(t *testing.T) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	_, err := Open(newStubConn(), protocol.Target{Type: protocol.TargetLocation}, validate, zerolog.Nop())
	require.ErrorIs(t, err, ErrEmptyTarget)

	_, err = Open(newStubConn(), protocol.Target{ID: "loc-1"}, validate, zerolog.Nop())
	require.ErrorIs(t, err, ErrEmptyTarget)
}

func TestOpenSubscribesAndCloseUnsubscribesOnce(t *testing.T) {
	conn := newStubConn()
	session := openTestSession(t, conn)

	require.Equal(t, 1, conn.emitCount())
	require.Equal(t, protocol.EventSubscribe, conn.emits[0].event)
	subscribe, ok := conn.emits[0].payload.(protocol.SubscribePayload)
	require.True(t, ok)
	require.Equal(t, testTarget.ID, subscribe.TargetID)
	require.Len(t, conn.handlers, 4)

	session.Close()
	session.Close()

	require.Equal(t, 2, conn.emitCount())
	require.Equal(t, protocol.EventUnsubscribe, conn.emits[1].event)
	require.Empty(t, conn.handlers)
}

func TestSessionRoutesBroadcastsIntoStore(t *testing.T) {
	conn := newStubConn()
	session := openTestSession(t, conn)
	defer session.Close()

	conn.deliver(t, protocol.EventNew, comment("a", nil))
	conn.deliver(t, protocol.EventNew, comment("b", strPtr("a")))

	flat := session.Comments()
	require.Len(t, flat, 2)
	require.Equal(t, "b", flat[0].ID)
	require.Equal(t, 1, flat[1].RepliesCount)

	forest := session.Tree()
	require.Len(t, forest, 1)
	require.Equal(t, "a", forest[0].ID)
	require.Len(t, forest[0].Children, 1)

	conn.deliver(t, protocol.EventDeleted, map[string]string{"id": "b"})
	require.Len(t, session.Comments(), 1)
	require.Equal(t, 0, session.Comments()[0].RepliesCount)
}

func TestSessionDropsMalformedBroadcasts(t *testing.T) {
	conn := newStubConn()
	session := openTestSession(t, conn)
	defer session.Close()

	conn.mu.Lock()
	handler := conn.handlers[protocol.EventNew]
	conn.mu.Unlock()
	handler(json.RawMessage(`{not json`))

	require.Empty(t, session.Comments())
}

func TestSessionTypingIndicator(t *testing.T) {
	conn := newStubConn()
	session := openTestSession(t, conn, WithStoreOptions(WithTypingExpiry(40*time.Millisecond)))
	defer session.Close()

	conn.deliver(t, protocol.EventTyping, protocol.TypingPayload{
		SubscribePayload: protocol.SubscribePayload{TargetType: testTarget.Type, TargetID: testTarget.ID},
		UserID:           "u2",
	})
	require.Equal(t, "u2", session.TypingUserID())

	// A typing ping for another thread must not disturb the indicator.
	conn.deliver(t, protocol.EventTyping, protocol.TypingPayload{
		SubscribePayload: protocol.SubscribePayload{TargetType: protocol.TargetEvent, TargetID: "elsewhere"},
		UserID:           "u3",
	})
	require.Equal(t, "u2", session.TypingUserID())

	require.Eventually(t, func() bool {
		return session.TypingUserID() == ""
	}, time.Second, 5*time.Millisecond)
}

func TestSessionSeedDeduplicatesAgainstLiveEvents(t *testing.T) {
	conn := newStubConn()
	session := openTestSession(t, conn)
	defer session.Close()

	conn.deliver(t, protocol.EventNew, comment("a", nil))
	session.Seed([]protocol.Comment{comment("a", nil), comment("z", nil)})

	require.Len(t, session.Comments(), 2)
}

func TestSessionMutationsDelegateToGateway(t *testing.T) {
	conn := newStubConn()
	session := openTestSession(t, conn, WithIdentity(signedIn("u1")))
	defer session.Close()

	require.NoError(t, session.Create(context.Background(), "hello", nil))
	require.NoError(t, session.Update(context.Background(), "c1", "edited"))
	require.NoError(t, session.Remove(context.Background(), "c1"))
	session.Typing()

	require.Equal(t, 3, conn.requestCount())
	// subscribe + typing
	require.Equal(t, 2, conn.emitCount())
}
