package protocol

import (
	"encoding/json"
	"time"
)

// TargetType identifies which kind of entity a comment thread belongs to.
type TargetType string

const (
	TargetLocation TargetType = "location"
	TargetEvent    TargetType = "event"
)

// Target is the (type, id) pair scoping a comment thread.
type Target struct {
	Type TargetType `json:"targetType"`
	ID   string     `json:"targetId"`
}

// Event names exchanged with the comment broker. Client-to-server names
// carry commands; server-to-client names carry broadcasts.
const (
	EventSubscribe   = "comment:subscribe"
	EventUnsubscribe = "comment:unsubscribe"
	EventTyping      = "comment:typing"
	EventCreate      = "comment:create"
	EventUpdate      = "comment:update"
	EventDelete      = "comment:delete"

	EventNew     = "comment:new"
	EventUpdated = "comment:updated"
	EventDeleted = "comment:deleted"

	EventAck = "ack"
)

// User is the denormalized author record carried on a comment.
type User struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"profile_avatar"`
}

// Comment is the flat record held in a thread's collection. ParentID nil
// means a top-level comment. RepliesCount is the number of direct children
// currently known to the client, maintained incrementally.
type Comment struct {
	ID           string     `json:"id"`
	TargetType   TargetType `json:"targetType"`
	TargetID     string     `json:"targetId"`
	UserID       string     `json:"userId"`
	User         *User      `json:"user,omitempty"`
	Content      string     `json:"content"`
	CreatedAt    time.Time  `json:"createdAt"`
	ParentID     *string    `json:"parentId"`
	RepliesCount int        `json:"repliesCount"`
}

// CommentPatch is the partial record delivered by an updated broadcast.
// Only non-nil fields are merged; identity fields never change.
type CommentPatch struct {
	ID           string  `json:"id"`
	Content      *string `json:"content"`
	RepliesCount *int    `json:"repliesCount"`
}

// SubscribePayload scopes subscribe/unsubscribe commands to one target.
type SubscribePayload struct {
	TargetType TargetType `json:"targetType" validate:"required,oneof=location event"`
	TargetID   string     `json:"targetId" validate:"required,max=64"`
}

// TypingPayload announces that a user is composing a comment.
type TypingPayload struct {
	SubscribePayload
	UserID string `json:"userId" validate:"required,max=64"`
}

// CreatePayload carries a new comment to the broker.
type CreatePayload struct {
	SubscribePayload
	UserID   string  `json:"userId" validate:"required,max=64"`
	Content  string  `json:"content" validate:"required,max=4000"`
	ParentID *string `json:"parentId"`
}

// UpdatePayload carries a content change for an existing comment.
type UpdatePayload struct {
	SubscribePayload
	ID      string `json:"id" validate:"required,max=64"`
	UserID  string `json:"userId" validate:"required,max=64"`
	Content string `json:"content" validate:"required,max=4000"`
}

// DeletePayload requests removal of an existing comment.
type DeletePayload struct {
	SubscribePayload
	ID     string `json:"id" validate:"required,max=64"`
	UserID string `json:"userId" validate:"required,max=64"`
}

// Ack is the broker's response correlated to one acknowledged request.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Envelope is the wire format for every frame in both directions. ID is
// set only on acknowledged requests and on the matching ack frame.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for the given event.
func NewEnvelope(event, id string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, ID: id, Data: data}, nil
}
