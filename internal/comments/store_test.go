package comments

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pawmap/comment-sync-go/internal/protocol"
)

var testTarget = protocol.Target{Type: protocol.TargetLocation, ID: "loc-1"}

func newTestStore(opts ...StoreOption) *Store {
	return NewStore(testTarget, zerolog.Nop(), opts...)
}

func comment(id string, parentID *string) protocol.Comment {
	return protocol.Comment{
		ID:         id,
		TargetType: testTarget.Type,
		TargetID:   testTarget.ID,
		UserID:     "u1",
		Content:    "content of " + id,
		CreatedAt:  time.Now().UTC(),
		ParentID:   parentID,
	}
}

func strPtr(s string) *string {
	return &s
}

func TestStoreNewPrependsNewestFirst(t *testing.T) {
	store := newTestStore()

	store.Apply(protocol.NewEvent{Comment: comment("a", nil)})
	store.Apply(protocol.NewEvent{Comment: comment("b", nil)})

	flat := store.Comments()
	require.Len(t, flat, 2)
	require.Equal(t, "b", flat[0].ID)
	require.Equal(t, "a", flat[1].ID)
}

func TestStoreNewIsIdempotent(t *testing.T) {
	store := newTestStore()
	store.Apply(protocol.NewEvent{Comment: comment("a", nil)})

	before := store.Comments()
	store.Apply(protocol.NewEvent{Comment: comment("a", nil)})

	require.Equal(t, before, store.Comments())
}

func TestStoreNewReplyIncrementsParent(t *testing.T) {
	store := newTestStore()
	store.Apply(protocol.NewEvent{Comment: comment("a", nil)})

	store.Apply(protocol.NewEvent{Comment: comment("b", strPtr("a"))})

	flat := store.Comments()
	require.Len(t, flat, 2)
	require.Equal(t, "b", flat[0].ID)
	require.Equal(t, "a", flat[1].ID)
	require.Equal(t, 1, flat[1].RepliesCount)
	require.Equal(t, 0, flat[0].RepliesCount)
}

func TestStoreNewReplyWithUnknownParentLeavesCountsAlone(t *testing.T) {
	store := newTestStore()
	store.Apply(protocol.NewEvent{Comment: comment("a", nil)})

	store.Apply(protocol.NewEvent{Comment: comment("c", strPtr("missing"))})

	for _, c := range store.Comments() {
		require.Equal(t, 0, c.RepliesCount)
	}
}

func TestStoreRepliesCountConservation(t *testing.T) {
	store := newTestStore()
	store.Apply(protocol.NewEvent{Comment: comment("parent", nil)})

	for _, id := range []string{"r1", "r2", "r3"} {
		store.Apply(protocol.NewEvent{Comment: comment(id, strPtr("parent"))})
	}
	require.Equal(t, 3, findComment(t, store, "parent").RepliesCount)

	store.Apply(protocol.DeletedEvent{ID: "r1"})
	store.Apply(protocol.DeletedEvent{ID: "r2"})
	require.Equal(t, 1, findComment(t, store, "parent").RepliesCount)

	// Deleting the same child twice must not decrement twice.
	store.Apply(protocol.DeletedEvent{ID: "r2"})
	require.Equal(t, 1, findComment(t, store, "parent").RepliesCount)

	store.Apply(protocol.DeletedEvent{ID: "r3"})
	require.Equal(t, 0, findComment(t, store, "parent").RepliesCount)
}

func TestStoreUpdateMergesContentOnly(t *testing.T) {
	store := newTestStore()
	original := comment("a", nil)
	store.Apply(protocol.NewEvent{Comment: original})

	store.Apply(protocol.UpdatedEvent{Patch: protocol.CommentPatch{ID: "a", Content: strPtr("edited")}})

	updated := findComment(t, store, "a")
	require.Equal(t, "edited", updated.Content)
	require.Equal(t, original.UserID, updated.UserID)
	require.Equal(t, original.CreatedAt, updated.CreatedAt)
}

func TestStoreUpdateUnknownIDIsNoOp(t *testing.T) {
	store := newTestStore()
	store.Apply(protocol.NewEvent{Comment: comment("a", nil)})
	before := store.Comments()

	store.Apply(protocol.UpdatedEvent{Patch: protocol.CommentPatch{ID: "ghost", Content: strPtr("x")}})

	require.Equal(t, before, store.Comments())
}

func TestStoreDeleteDecrementsParentAndRemoves(t *testing.T) {
	store := newTestStore()
	store.Apply(protocol.NewEvent{Comment: comment("a", nil)})
	store.Apply(protocol.NewEvent{Comment: comment("b", strPtr("a"))})
	require.Equal(t, 1, findComment(t, store, "a").RepliesCount)

	store.Apply(protocol.DeletedEvent{ID: "b"})

	flat := store.Comments()
	require.Len(t, flat, 1)
	require.Equal(t, "a", flat[0].ID)
	require.Equal(t, 0, flat[0].RepliesCount)
}

func TestStoreDeleteUnknownIDIsNoOp(t *testing.T) {
	store := newTestStore()
	store.Apply(protocol.NewEvent{Comment: comment("a", nil)})
	before := store.Comments()

	store.Apply(protocol.DeletedEvent{ID: "ghost"})

	require.Equal(t, before, store.Comments())
}

func TestStoreTypingIndicatorExpires(t *testing.T) {
	store := newTestStore(WithTypingExpiry(40 * time.Millisecond))

	store.Apply(protocol.TypingEvent{TargetType: testTarget.Type, TargetID: testTarget.ID, UserID: "u1"})
	require.Equal(t, "u1", store.TypingUserID())

	require.Eventually(t, func() bool {
		return store.TypingUserID() == ""
	}, time.Second, 5*time.Millisecond)
}

func TestStoreTypingLastWriterWins(t *testing.T) {
	store := newTestStore(WithTypingExpiry(time.Minute))

	store.Apply(protocol.TypingEvent{TargetType: testTarget.Type, TargetID: testTarget.ID, UserID: "u1"})
	store.Apply(protocol.TypingEvent{TargetType: testTarget.Type, TargetID: testTarget.ID, UserID: "u2"})

	require.Equal(t, "u2", store.TypingUserID())
}

func TestStoreCrossTargetTypingIgnored(t *testing.T) {
	store := newTestStore(WithTypingExpiry(time.Minute))

	store.Apply(protocol.TypingEvent{TargetType: protocol.TargetEvent, TargetID: "other", UserID: "u1"})

	require.Equal(t, "", store.TypingUserID())
}

func TestStoreSeedSkipsDuplicates(t *testing.T) {
	store := newTestStore()
	store.Apply(protocol.NewEvent{Comment: comment("a", nil)})

	store.Seed([]protocol.Comment{comment("a", nil), comment("b", nil)})

	flat := store.Comments()
	require.Len(t, flat, 2)
	require.Equal(t, "a", flat[0].ID)
	require.Equal(t, "b", flat[1].ID)
}

func TestStoreOnChangeFires(t *testing.T) {
	var seen []protocol.Event
	store := newTestStore(WithOnChange(func(ev protocol.Event) {
		seen = append(seen, ev)
	}))

	store.Apply(protocol.NewEvent{Comment: comment("a", nil)})
	store.Apply(protocol.DeletedEvent{ID: "a"})

	require.Len(t, seen, 2)
	require.IsType(t, protocol.NewEvent{}, seen[0])
	require.IsType(t, protocol.DeletedEvent{}, seen[1])
}

func TestStoreResetClearsEverything(t *testing.T) {
	store := newTestStore(WithTypingExpiry(time.Minute))
	store.Apply(protocol.NewEvent{Comment: comment("a", nil)})
	store.Apply(protocol.TypingEvent{TargetType: testTarget.Type, TargetID: testTarget.ID, UserID: "u1"})

	store.Reset()

	require.Empty(t, store.Comments())
	require.Equal(t, "", store.TypingUserID())
}

func findComment(t *testing.T, store *Store, id string) protocol.Comment {
	t.Helper()
	for _, c := range store.Comments() {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("comment %s not found", id)
	return protocol.Comment{}
}
