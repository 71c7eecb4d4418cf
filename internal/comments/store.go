package comments

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pawmap/comment-sync-go/internal/protocol"
)

const defaultTypingExpiry = 1200 * time.Millisecond

// Store holds the flat, insertion-ordered comment collection for one
// target, plus the typing indicator. Broadcasts are applied one at a time;
// readers get snapshot copies.
type Store struct {
	target       protocol.Target
	typingExpiry time.Duration
	logger       zerolog.Logger
	onChange     func(protocol.Event)

	mu           sync.Mutex
	comments     []protocol.Comment
	typingUserID string
	typingGen    uint64
	typingTimer  *time.Timer
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithTypingExpiry overrides how long the typing indicator survives
// without a fresh typing broadcast.
func WithTypingExpiry(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.typingExpiry = d
		}
	}
}

// WithOnChange registers a callback invoked after every applied event.
// It runs outside the store lock; snapshots taken inside it are current.
func WithOnChange(fn func(protocol.Event)) StoreOption {
	return func(s *Store) {
		s.onChange = fn
	}
}

// NewStore creates an empty collection scoped to target.
func NewStore(target protocol.Target, logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		target:       target,
		typingExpiry: defaultTypingExpiry,
		logger:       logger.With().Str("component", "comment_store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Target returns the (type, id) pair this store is scoped to.
func (s *Store) Target() protocol.Target {
	return s.target
}

// Apply transitions the collection by one inbound broadcast.
func (s *Store) Apply(event protocol.Event) {
	s.mu.Lock()
	switch ev := event.(type) {
	case protocol.NewEvent:
		s.applyNew(ev.Comment)
	case protocol.UpdatedEvent:
		s.applyUpdated(ev.Patch)
	case protocol.DeletedEvent:
		s.applyDeleted(ev.ID)
	case protocol.TypingEvent:
		s.applyTyping(ev)
	}
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(event)
	}
}

// Seed loads the initial hydration result, skipping any comment already
// present. Broadcast and REST results can overlap during page load.
func (s *Store) Seed(initial []protocol.Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, comment := range initial {
		if s.indexOf(comment.ID) >= 0 {
			continue
		}
		s.comments = append(s.comments, comment)
	}
}

// Comments returns a snapshot of the flat collection, newest first.
func (s *Store) Comments() []protocol.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]protocol.Comment, len(s.comments))
	copy(snapshot, s.comments)
	return snapshot
}

// TypingUserID returns the id of the user currently typing, or "" when
// the indicator is clear.
func (s *Store) TypingUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typingUserID
}

// Reset discards the collection and the typing indicator. Used when a
// view switches targets without allocating a fresh store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.comments = nil
	s.typingUserID = ""
	s.typingGen++
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

func (s *Store) applyNew(comment protocol.Comment) {
	if s.indexOf(comment.ID) >= 0 {
		return
	}

	s.comments = append([]protocol.Comment{comment}, s.comments...)

	if comment.ParentID == nil {
		return
	}
	if i := s.indexOf(*comment.ParentID); i >= 0 {
		s.comments[i].RepliesCount++
	}
}

func (s *Store) applyUpdated(patch protocol.CommentPatch) {
	i := s.indexOf(patch.ID)
	if i < 0 {
		return
	}

	if patch.Content != nil {
		s.comments[i].Content = *patch.Content
	}
	if patch.RepliesCount != nil {
		s.comments[i].RepliesCount = *patch.RepliesCount
	}
}

func (s *Store) applyDeleted(id string) {
	i := s.indexOf(id)
	if i < 0 {
		return
	}

	parentID := s.comments[i].ParentID
	s.comments = append(s.comments[:i], s.comments[i+1:]...)

	if parentID == nil {
		return
	}
	if j := s.indexOf(*parentID); j >= 0 && s.comments[j].RepliesCount > 0 {
		s.comments[j].RepliesCount--
	}
}

func (s *Store) applyTyping(ev protocol.TypingEvent) {
	if ev.TargetType != s.target.Type || ev.TargetID != s.target.ID {
		return
	}

	s.typingUserID = ev.UserID
	s.typingGen++
	gen := s.typingGen

	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.typingExpiry, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.typingGen == gen {
			s.typingUserID = ""
		}
	})
}

// indexOf must be called with the lock held.
func (s *Store) indexOf(id string) int {
	for i := range s.comments {
		if s.comments[i].ID == id {
			return i
		}
	}
	return -1
}
