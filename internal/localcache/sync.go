package localcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aveer-dev/collabsync/internal/model"
	"github.com/aveer-dev/collabsync/internal/remote"
)

// SyncPass replays queued entries against the remote store: fixed bucket
// order, enqueue order within a bucket. A failed entry stays queued and
// the pass moves on; entries enqueued while the pass runs are picked up
// on the next pass. Safe to invoke concurrently with mutations; only one
// pass runs at a time.
func (c *Cache) SyncPass(ctx context.Context) {
	c.mu.Lock()
	if c.syncing {
		c.mu.Unlock()
		return
	}
	if !c.nextAttempt.IsZero() && c.clk.Now().Before(c.nextAttempt) {
		c.mu.Unlock()
		return
	}
	c.syncing = true
	snapshot := make(map[EntryType][]SyncQueueEntry, len(c.state.Queue))
	for typ, entries := range c.state.Queue {
		snapshot[typ] = append([]SyncQueueEntry(nil), entries...)
	}
	c.mu.Unlock()

	failed := false
	for _, typ := range bucketOrder {
		for _, entry := range snapshot[typ] {
			if err := c.replay(ctx, typ, entry); err != nil {
				failed = true
				syncFailures.Inc()
				c.log.Warn().Err(err).Str("type", string(typ)).Msg("sync replay failed, entry retained")
				continue
			}
			syncReplayed.Inc()
			c.removeEntry(typ, entry)
		}
	}

	c.mu.Lock()
	c.syncing = false
	if failed {
		// Gate the next periodic pass so a flapping remote is not hammered.
		c.nextAttempt = c.clk.Now().Add(c.bo.NextBackOff())
	} else {
		c.bo.Reset()
		c.nextAttempt = time.Time{}
	}
	c.persistLocked()
	c.mu.Unlock()
}

// replay performs the remote operation an entry stands for. Each call is
// bounded so one hung request cannot stall the whole pass.
func (c *Cache) replay(ctx context.Context, typ EntryType, entry SyncQueueEntry) error {
	ctx, cancel := context.WithTimeout(ctx, remoteDeadline)
	defer cancel()

	switch typ {
	case EntryCreateChat:
		var q queuedChat
		if err := json.Unmarshal(entry.Data, &q); err != nil {
			return fmt.Errorf("decode create-chat entry: %w", err)
		}
		rec, err := c.store.Upsert(ctx, remote.TableChats, chatPayload(q.Payload), "id")
		if err != nil {
			return err
		}
		c.reconcileChat(q.ProvisionalID, chatFromRecord(rec))
		return nil

	case EntryCreateMessage:
		var q queuedMessage
		if err := json.Unmarshal(entry.Data, &q); err != nil {
			return fmt.Errorf("decode create-message entry: %w", err)
		}
		payload := q.Payload
		payload.ChatID = c.ResolveProvisional(payload.ChatID)
		if isProvisionalID(payload.ChatID) {
			// The owning chat has not been assigned a server id yet; its
			// create entry must land first.
			return fmt.Errorf("chat %s still provisional", payload.ChatID)
		}
		rec, err := c.store.Upsert(ctx, remote.TableChatMessages, messagePayload(payload), "id")
		if err != nil {
			return err
		}
		c.reconcileMessage(q.ProvisionalID, messageFromRecord(rec))
		return nil

	case EntryUpdateChat:
		var q queuedChatUpdate
		if err := json.Unmarshal(entry.Data, &q); err != nil {
			return fmt.Errorf("decode update-chat entry: %w", err)
		}
		chatID := c.ResolveProvisional(q.ChatID)
		if isProvisionalID(chatID) {
			return fmt.Errorf("chat %s still provisional", chatID)
		}
		return c.updateChatRemote(ctx, chatID, q.Partial)

	case EntryDeleteMessage:
		var q queuedDelete
		if err := json.Unmarshal(entry.Data, &q); err != nil {
			return fmt.Errorf("decode delete-message entry: %w", err)
		}
		msgID := c.ResolveProvisional(q.MessageID)
		if isProvisionalID(msgID) {
			// The message never reached the server; the pending create
			// will carry it up and the delete lands on a later pass.
			return fmt.Errorf("message %s still provisional", msgID)
		}
		return c.store.Update(ctx, remote.TableChatMessages, msgID, remote.Record{"is_deleted": true})

	case EntryFeedback:
		var fb model.MessageFeedback
		if err := json.Unmarshal(entry.Data, &fb); err != nil {
			return fmt.Errorf("decode feedback entry: %w", err)
		}
		fb.MessageID = c.ResolveProvisional(fb.MessageID)
		_, err := c.store.Upsert(ctx, remote.TableFeedback, feedbackPayload(fb), "id")
		return err

	case EntryToolUsage:
		var tu model.ToolUsage
		if err := json.Unmarshal(entry.Data, &tu); err != nil {
			return fmt.Errorf("decode tool-usage entry: %w", err)
		}
		tu.ChatID = c.ResolveProvisional(tu.ChatID)
		_, err := c.store.Upsert(ctx, remote.TableToolUsage, toolUsagePayload(tu), "id")
		return err

	default:
		return fmt.Errorf("unknown entry type %q", typ)
	}
}

// removeEntry drops the first queue entry matching the replayed one.
// Entries are immutable, so identity is (timestamp, payload bytes).
func (c *Cache) removeEntry(typ EntryType, entry SyncQueueEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.state.Queue[typ]
	for i, e := range entries {
		if e.Timestamp.Equal(entry.Timestamp) && bytes.Equal(e.Data, entry.Data) {
			c.state.Queue[typ] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(c.state.Queue[typ]) == 0 {
		delete(c.state.Queue, typ)
	}
	queueDepth.Set(float64(c.state.queueDepth()))
}

// reconcileChat rewrites a provisional chat id with the server-assigned
// one across the mirror, so callers holding the provisional id can
// translate it via ResolveProvisional.
func (c *Cache) reconcileChat(provisionalID string, chat model.Chat) {
	if provisionalID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provisional[provisionalID] = chat.ID
	for i := range c.state.Chats {
		if c.state.Chats[i].ID == provisionalID {
			keepLast := c.state.Chats[i].LastMessageAt
			c.state.Chats[i] = chat
			if chat.LastMessageAt.IsZero() {
				c.state.Chats[i].LastMessageAt = keepLast
			}
		}
	}
	if msgs, ok := c.state.Messages[provisionalID]; ok {
		for i := range msgs {
			msgs[i].ChatID = chat.ID
		}
		existing := c.state.Messages[chat.ID]
		c.state.Messages[chat.ID] = append(existing, msgs...)
		delete(c.state.Messages, provisionalID)
	}
	c.persistLocked()
}

// reconcileMessage rewrites a provisional message id in place.
func (c *Cache) reconcileMessage(provisionalID string, msg model.ChatMessage) {
	if provisionalID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provisional[provisionalID] = msg.ID
	for chatID, msgs := range c.state.Messages {
		for i := range msgs {
			if msgs[i].ID == provisionalID {
				deleted := msgs[i].IsDeleted
				msgs[i] = msg
				msgs[i].IsDeleted = msgs[i].IsDeleted || deleted
				c.state.Messages[chatID] = msgs
			}
		}
	}
	c.persistLocked()
}
