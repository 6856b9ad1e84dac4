package model

import "time"

// Chat is a conversation container owned by exactly one profile.
type Chat struct {
	ID            string    `json:"id"`
	ProfileID     string    `json:"profile_id"`
	Org           string    `json:"org"`
	Title         string    `json:"title"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ChatMessage belongs to exactly one Chat and is ordered by creation time.
// A soft-deleted message is excluded from every read but its id is never reused.
type ChatMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageFeedback is an append-only rating attached to a message.
type MessageFeedback struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	ProfileID string    `json:"profile_id"`
	Rating    string    `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolUsage is an append-only record of an assistant tool invocation
// within a chat.
type ToolUsage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	ToolName  string    `json:"tool_name"`
	Args      string    `json:"args,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateChatRequest holds parameters for a new chat.
type CreateChatRequest struct {
	ProfileID string `json:"profile_id"`
	Org       string `json:"org"`
	Title     string `json:"title"`
}

// SaveMessageRequest holds parameters for a new chat message.
type SaveMessageRequest struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
	Role    string `json:"role"`
}

// ChatUpdate carries the mutable chat fields for a partial update.
type ChatUpdate struct {
	Title         *string    `json:"title,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// ChatSearchResult pairs a matching chat with only the messages that
// matched the query, not the full thread.
type ChatSearchResult struct {
	Chat     Chat          `json:"chat"`
	Messages []ChatMessage `json:"messages"`
}
