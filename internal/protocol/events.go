package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is the closed set of broadcasts a subscriber can receive. The
// variants are NewEvent, UpdatedEvent, DeletedEvent and TypingEvent;
// consumers dispatch with a type switch.
type Event interface {
	isEvent()
}

// NewEvent announces a comment created by some user on the thread.
type NewEvent struct {
	Comment Comment
}

// UpdatedEvent carries a partial record for an existing comment.
type UpdatedEvent struct {
	Patch CommentPatch
}

// DeletedEvent announces removal of a comment.
type DeletedEvent struct {
	ID string
}

// TypingEvent announces that a user is composing a comment on a target.
// Typing traffic can arrive cross-target during subscription races, so it
// keeps its own scoping fields for the reducer to check.
type TypingEvent struct {
	TargetType TargetType
	TargetID   string
	UserID     string
}

func (NewEvent) isEvent()     {}
func (UpdatedEvent) isEvent() {}
func (DeletedEvent) isEvent() {}
func (TypingEvent) isEvent()  {}

// DecodeEvent parses the data of an inbound broadcast frame into its
// typed variant. Unknown event names are an error; callers drop them.
func DecodeEvent(event string, data json.RawMessage) (Event, error) {
	switch event {
	case EventNew:
		var comment Comment
		if err := json.Unmarshal(data, &comment); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event, err)
		}
		return NewEvent{Comment: comment}, nil
	case EventUpdated:
		var patch CommentPatch
		if err := json.Unmarshal(data, &patch); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event, err)
		}
		if patch.ID == "" {
			return nil, fmt.Errorf("decode %s: missing id", event)
		}
		return UpdatedEvent{Patch: patch}, nil
	case EventDeleted:
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event, err)
		}
		return DeletedEvent{ID: payload.ID}, nil
	case EventTyping:
		var payload TypingPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event, err)
		}
		return TypingEvent{
			TargetType: payload.TargetType,
			TargetID:   payload.TargetID,
			UserID:     payload.UserID,
		}, nil
	default:
		return nil, fmt.Errorf("unknown broadcast event %q", event)
	}
}
