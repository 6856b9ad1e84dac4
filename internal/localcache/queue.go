package localcache

import (
	"encoding/json"
	"time"

	"github.com/aveer-dev/collabsync/internal/model"
)

// EntryType tags a queued side-effect with the remote operation it replays.
type EntryType string

const (
	EntryCreateChat    EntryType = "create-chat"
	EntryCreateMessage EntryType = "create-message"
	EntryUpdateChat    EntryType = "update-chat"
	EntryDeleteMessage EntryType = "delete-message"
	EntryFeedback      EntryType = "feedback"
	EntryToolUsage     EntryType = "tool-usage"
)

// bucketOrder fixes the replay order across type buckets. Creates run
// before the updates and deletes that may reference them.
var bucketOrder = []EntryType{
	EntryCreateChat,
	EntryCreateMessage,
	EntryUpdateChat,
	EntryDeleteMessage,
	EntryFeedback,
	EntryToolUsage,
}

// SyncQueueEntry is one pending remote write. Entries are immutable once
// enqueued and removed only after the remote operation succeeds.
type SyncQueueEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// queuedChat is the payload of a create-chat entry. ProvisionalID lets a
// deferred success reconcile the local record with the server-assigned id.
type queuedChat struct {
	Payload       model.CreateChatRequest `json:"payload"`
	ProvisionalID string                  `json:"provisional_id"`
}

// queuedMessage is the payload of a create-message entry.
type queuedMessage struct {
	Payload       model.SaveMessageRequest `json:"payload"`
	ProvisionalID string                   `json:"provisional_id"`
}

// queuedChatUpdate is the payload of an update-chat entry.
type queuedChatUpdate struct {
	ChatID  string           `json:"chat_id"`
	Partial model.ChatUpdate `json:"partial"`
}

// queuedDelete is the payload of a delete-message entry.
type queuedDelete struct {
	MessageID string `json:"message_id"`
}

// mirrorState is the entire durable on-device contract: one JSON object
// with chats, per-chat message lists, and the typed replay queue.
type mirrorState struct {
	Chats    []model.Chat                   `json:"chats"`
	Messages map[string][]model.ChatMessage `json:"messages"`
	Queue    map[EntryType][]SyncQueueEntry `json:"queue"`
}

func newMirrorState() mirrorState {
	return mirrorState{
		Messages: make(map[string][]model.ChatMessage),
		Queue:    make(map[EntryType][]SyncQueueEntry),
	}
}

func (m *mirrorState) queueDepth() int {
	n := 0
	for _, entries := range m.Queue {
		n += len(entries)
	}
	return n
}
