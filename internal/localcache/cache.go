// Package localcache makes every chat mutation instantaneous and
// eventually consistent with the remote store, regardless of connectivity.
// The mirror is unconditionally optimistic: a caller always receives a
// usable record, and failed remote writes are queued and replayed.
package localcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aveer-dev/collabsync/internal/clock"
	"github.com/aveer-dev/collabsync/internal/localstate"
	"github.com/aveer-dev/collabsync/internal/model"
	"github.com/aveer-dev/collabsync/internal/remote"
)

const (
	defaultNamespace = "collabsync/chat-cache"
	remoteDeadline   = 15 * time.Second
)

// Cache is the client-resident mirror of chats and messages with a
// durable replay queue. Safe for concurrent use.
type Cache struct {
	store    remote.Store
	kv       localstate.KV
	clk      clock.Clock
	log      zerolog.Logger
	key      string
	interval time.Duration

	mu          sync.Mutex
	state       mirrorState
	provisional map[string]string // provisional id -> server-assigned id
	syncing     bool
	nextAttempt time.Time
	bo          *backoff.ExponentialBackOff

	reach chan bool
	stop  chan struct{}
	done  chan struct{}

	// Set by Open; a KV handed to New stays caller-owned.
	ownedKV *localstate.SQLiteKV
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects the scheduling clock (a fake in tests).
func WithClock(c clock.Clock) Option { return func(cc *Cache) { cc.clk = c } }

// WithLogger sets the cache logger.
func WithLogger(l zerolog.Logger) Option { return func(cc *Cache) { cc.log = l } }

// WithSyncInterval overrides the periodic sync interval (default 30s).
func WithSyncInterval(d time.Duration) Option { return func(cc *Cache) { cc.interval = d } }

// WithNamespace overrides the durable storage key.
func WithNamespace(key string) Option { return func(cc *Cache) { cc.key = key } }

// New builds a Cache over the injected remote store and durable KV,
// restores the mirror from storage, and starts the periodic sync loop.
// Callers must Close the cache to stop the loop.
func New(store remote.Store, kv localstate.KV, opts ...Option) (*Cache, error) {
	c := &Cache{
		store:       store,
		kv:          kv,
		clk:         clock.New(),
		log:         zerolog.Nop(),
		key:         defaultNamespace,
		interval:    30 * time.Second,
		state:       newMirrorState(),
		provisional: make(map[string]string),
		reach:       make(chan bool, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0 // queue entries are retried until they succeed
	c.bo = bo

	raw, err := kv.Load(c.key)
	if err != nil {
		return nil, fmt.Errorf("localcache: load mirror: %w", err)
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &c.state); err != nil {
			// A corrupt mirror must not brick the client; start fresh.
			c.log.Warn().Err(err).Msg("mirror undecodable, starting empty")
			c.state = newMirrorState()
		}
		if c.state.Messages == nil {
			c.state.Messages = make(map[string][]model.ChatMessage)
		}
		if c.state.Queue == nil {
			c.state.Queue = make(map[EntryType][]SyncQueueEntry)
		}
	}
	queueDepth.Set(float64(c.state.queueDepth()))

	// Register the ticker before New returns so a fake clock advanced
	// immediately after construction cannot miss the first tick.
	go c.loop(c.clk.NewTicker(c.interval))
	return c, nil
}

// Close stops the sync loop. No timers leak past it. A database opened by
// Open is closed here too.
func (c *Cache) Close() {
	select {
	case <-c.stop:
		return
	default:
	}
	close(c.stop)
	<-c.done
	if c.ownedKV != nil {
		_ = c.ownedKV.Close()
	}
}

// SetReachable is the host environment's network signal. false stops
// periodic sync; true resumes it and triggers one immediate pass.
func (c *Cache) SetReachable(online bool) {
	select {
	case c.reach <- online:
	case <-c.stop:
	}
}

// loop owns the periodic sync ticker. Construction starts it online.
func (c *Cache) loop(tick clock.Ticker) {
	defer close(c.done)
	tickC := tick.C()

	for {
		select {
		case <-c.stop:
			if tick != nil {
				tick.Stop()
			}
			return
		case online := <-c.reach:
			if online {
				if tick == nil {
					tick = c.clk.NewTicker(c.interval)
					tickC = tick.C()
				}
				// Coming back online resets the failure gate and syncs now.
				c.mu.Lock()
				c.bo.Reset()
				c.nextAttempt = time.Time{}
				c.mu.Unlock()
				c.SyncPass(context.Background())
			} else if tick != nil {
				tick.Stop()
				tick = nil
				tickC = nil
			}
		case <-tickC:
			c.SyncPass(context.Background())
		}
	}
}

// CreateChat attempts the remote write and falls back to a provisional
// local record plus a queued create-chat entry. The returned chat is
// always usable; a local-origin id is provisional until sync succeeds
// (see ResolveProvisional).
func (c *Cache) CreateChat(ctx context.Context, req model.CreateChatRequest) (model.Chat, error) {
	if req.ProfileID == "" {
		return model.Chat{}, fmt.Errorf("profile_id is required: %w", model.ErrValidation)
	}

	rec, err := c.store.Upsert(ctx, remote.TableChats, chatPayload(req), "id")
	if err == nil {
		chat := chatFromRecord(rec)
		c.mu.Lock()
		c.upsertChatLocked(chat)
		c.persistLocked()
		c.mu.Unlock()
		return chat, nil
	}
	c.log.Debug().Err(err).Msg("create chat deferred to sync queue")

	now := c.clk.Now().UTC()
	chat := model.Chat{
		ID:        provisionalID(now),
		ProfileID: req.ProfileID,
		Org:       req.Org,
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.mu.Lock()
	c.upsertChatLocked(chat)
	c.enqueueLocked(EntryCreateChat, queuedChat{Payload: req, ProvisionalID: chat.ID})
	c.persistLocked()
	c.mu.Unlock()
	return chat, nil
}

// SaveMessage appends a message with the same optimistic-write semantics
// as CreateChat, bumping the owning chat's last_message_at.
func (c *Cache) SaveMessage(ctx context.Context, req model.SaveMessageRequest) (model.ChatMessage, error) {
	if req.ChatID == "" {
		return model.ChatMessage{}, fmt.Errorf("chat_id is required: %w", model.ErrValidation)
	}
	now := c.clk.Now().UTC()

	remoteReq := req
	remoteReq.ChatID = c.ResolveProvisional(req.ChatID)

	var msg model.ChatMessage
	rec, err := c.store.Upsert(ctx, remote.TableChatMessages, messagePayload(remoteReq), "id")
	if err == nil {
		msg = messageFromRecord(rec)
	} else {
		c.log.Debug().Err(err).Msg("save message deferred to sync queue")
		msg = model.ChatMessage{
			ID:        provisionalID(now),
			ChatID:    req.ChatID,
			Content:   req.Content,
			Role:      req.Role,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	c.mu.Lock()
	c.appendMessageLocked(req.ChatID, msg)
	c.bumpChatLocked(req.ChatID, now)
	if err != nil {
		c.enqueueLocked(EntryCreateMessage, queuedMessage{Payload: req, ProvisionalID: msg.ID})
	}
	c.persistLocked()
	c.mu.Unlock()

	// Keep the remote chat's last_message_at in step; a failure here is
	// queued like any other partial update.
	if upErr := c.updateChatRemote(ctx, req.ChatID, model.ChatUpdate{LastMessageAt: &now}); upErr != nil {
		c.mu.Lock()
		c.enqueueLocked(EntryUpdateChat, queuedChatUpdate{ChatID: req.ChatID, Partial: model.ChatUpdate{LastMessageAt: &now}})
		c.persistLocked()
		c.mu.Unlock()
	}
	return msg, nil
}

// GetMessages returns the chat's thread ordered by creation time. The
// remote result is merged with the mirror (dedup by id, remote wins,
// union otherwise); on remote failure the mirror is returned unchanged.
// Soft-deleted messages are excluded on both paths.
func (c *Cache) GetMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	remoteID := c.ResolveProvisional(chatID)
	recs, err := c.store.SelectMatching(ctx, remote.TableChatMessages, map[string]any{
		"chat_id":    remoteID,
		"is_deleted": false,
	}, "created_at asc")
	if err != nil {
		localFallbacks.Inc()
		c.mu.Lock()
		out := visibleMessagesLocked(c.state.Messages[remoteID])
		c.mu.Unlock()
		return out, nil
	}

	remoteMsgs := make([]model.ChatMessage, 0, len(recs))
	for _, rec := range recs {
		remoteMsgs = append(remoteMsgs, messageFromRecord(rec))
	}

	// The mirror thread is keyed by the resolved id; a reconciled chat's
	// messages were migrated there, and writing back under the caller's
	// provisional id would fork the thread across two keys.
	c.mu.Lock()
	merged := mergeMessages(remoteMsgs, c.state.Messages[remoteID])
	c.state.Messages[remoteID] = merged
	c.persistLocked()
	out := visibleMessagesLocked(merged)
	c.mu.Unlock()
	return out, nil
}

// UpdateChat applies a partial update, locally first and remotely when
// possible.
func (c *Cache) UpdateChat(ctx context.Context, chatID string, partial model.ChatUpdate) error {
	c.mu.Lock()
	c.applyChatUpdateLocked(chatID, partial)
	c.persistLocked()
	c.mu.Unlock()

	if err := c.updateChatRemote(ctx, chatID, partial); err != nil {
		c.log.Debug().Err(err).Str("chat", chatID).Msg("update chat deferred to sync queue")
		c.mu.Lock()
		c.enqueueLocked(EntryUpdateChat, queuedChatUpdate{ChatID: chatID, Partial: partial})
		c.persistLocked()
		c.mu.Unlock()
	}
	return nil
}

// DeleteMessage soft-deletes a message. The id is never reused and the
// message is excluded from all subsequent reads.
func (c *Cache) DeleteMessage(ctx context.Context, messageID string) error {
	c.mu.Lock()
	for chatID, msgs := range c.state.Messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				msgs[i].IsDeleted = true
				msgs[i].UpdatedAt = c.clk.Now().UTC()
				c.state.Messages[chatID] = msgs
			}
		}
	}
	c.persistLocked()
	c.mu.Unlock()

	remoteID := c.ResolveProvisional(messageID)
	if err := c.store.Update(ctx, remote.TableChatMessages, remoteID, remote.Record{"is_deleted": true}); err != nil {
		c.log.Debug().Err(err).Str("message", messageID).Msg("delete message deferred to sync queue")
		c.mu.Lock()
		c.enqueueLocked(EntryDeleteMessage, queuedDelete{MessageID: messageID})
		c.persistLocked()
		c.mu.Unlock()
	}
	return nil
}

// SaveFeedback appends a feedback record, queueing it on remote failure.
func (c *Cache) SaveFeedback(ctx context.Context, fb model.MessageFeedback) error {
	if _, err := c.store.Upsert(ctx, remote.TableFeedback, feedbackPayload(fb), "id"); err != nil {
		c.log.Debug().Err(err).Msg("feedback deferred to sync queue")
		c.mu.Lock()
		c.enqueueLocked(EntryFeedback, fb)
		c.persistLocked()
		c.mu.Unlock()
	}
	return nil
}

// SaveToolUsage appends a tool-usage record, queueing it on remote failure.
func (c *Cache) SaveToolUsage(ctx context.Context, tu model.ToolUsage) error {
	if _, err := c.store.Upsert(ctx, remote.TableToolUsage, toolUsagePayload(tu), "id"); err != nil {
		c.log.Debug().Err(err).Msg("tool usage deferred to sync queue")
		c.mu.Lock()
		c.enqueueLocked(EntryToolUsage, tu)
		c.persistLocked()
		c.mu.Unlock()
	}
	return nil
}

// Chats lists the mirror's chats for a profile, most recent activity
// first.
func (c *Cache) Chats(profileID string) []model.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Chat
	for _, chat := range c.state.Chats {
		if chat.ProfileID == profileID {
			out = append(out, chat)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// ResolveProvisional translates a provisional local id to the
// server-assigned id once a deferred create has succeeded. Unknown ids
// map to themselves.
func (c *Cache) ResolveProvisional(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mapped, ok := c.provisional[id]; ok {
		return mapped
	}
	return id
}

// --- internal mirror mutation, all under c.mu ---

func (c *Cache) upsertChatLocked(chat model.Chat) {
	for i := range c.state.Chats {
		if c.state.Chats[i].ID == chat.ID {
			c.state.Chats[i] = chat
			return
		}
	}
	c.state.Chats = append(c.state.Chats, chat)
}

func (c *Cache) appendMessageLocked(chatID string, msg model.ChatMessage) {
	for _, existing := range c.state.Messages[chatID] {
		if existing.ID == msg.ID {
			return
		}
	}
	c.state.Messages[chatID] = append(c.state.Messages[chatID], msg)
}

func (c *Cache) bumpChatLocked(chatID string, at time.Time) {
	for i := range c.state.Chats {
		if c.state.Chats[i].ID == chatID {
			c.state.Chats[i].LastMessageAt = at
			c.state.Chats[i].UpdatedAt = at
			return
		}
	}
}

func (c *Cache) applyChatUpdateLocked(chatID string, partial model.ChatUpdate) {
	for i := range c.state.Chats {
		if c.state.Chats[i].ID != chatID {
			continue
		}
		if partial.Title != nil {
			c.state.Chats[i].Title = *partial.Title
		}
		if partial.LastMessageAt != nil {
			c.state.Chats[i].LastMessageAt = *partial.LastMessageAt
		}
		c.state.Chats[i].UpdatedAt = c.clk.Now().UTC()
		return
	}
}

func (c *Cache) enqueueLocked(typ EntryType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(typ)).Msg("failed to encode queue entry")
		return
	}
	c.state.Queue[typ] = append(c.state.Queue[typ], SyncQueueEntry{
		Data:      data,
		Timestamp: c.clk.Now().UTC(),
	})
	queueDepth.Set(float64(c.state.queueDepth()))
}

func (c *Cache) persistLocked() {
	raw, err := json.Marshal(c.state)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode mirror")
		return
	}
	if err := c.kv.Save(c.key, raw); err != nil {
		c.log.Error().Err(err).Msg("failed to persist mirror")
	}
}

func (c *Cache) updateChatRemote(ctx context.Context, chatID string, partial model.ChatUpdate) error {
	rec := remote.Record{}
	if partial.Title != nil {
		rec["title"] = *partial.Title
	}
	if partial.LastMessageAt != nil {
		rec["last_message_at"] = *partial.LastMessageAt
	}
	if len(rec) == 0 {
		return nil
	}
	return c.store.Update(ctx, remote.TableChats, c.ResolveProvisional(chatID), rec)
}

// --- helpers ---

func provisionalID(now time.Time) string {
	return fmt.Sprintf("local-%d", now.UnixNano())
}

// isProvisionalID reports whether id was synthesized locally and is still
// awaiting a server-assigned replacement.
func isProvisionalID(id string) bool {
	return len(id) > 6 && id[:6] == "local-"
}

func visibleMessagesLocked(msgs []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsDeleted {
			out = append(out, m)
		}
	}
	return out
}

// mergeMessages resolves the mirror against remote results: dedup by id,
// remote wins on collision except that a local soft-delete is never
// resurrected, union otherwise, chronological order throughout.
func mergeMessages(remoteMsgs, localMsgs []model.ChatMessage) []model.ChatMessage {
	byID := make(map[string]model.ChatMessage, len(remoteMsgs)+len(localMsgs))
	for _, m := range localMsgs {
		byID[m.ID] = m
	}
	for _, m := range remoteMsgs {
		if local, ok := byID[m.ID]; ok && local.IsDeleted {
			m.IsDeleted = true
		}
		byID[m.ID] = m
	}
	out := make([]model.ChatMessage, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func chatPayload(req model.CreateChatRequest) remote.Record {
	return remote.Record{
		"profile_id": req.ProfileID,
		"org":        req.Org,
		"title":      req.Title,
	}
}

func messagePayload(req model.SaveMessageRequest) remote.Record {
	return remote.Record{
		"chat_id":    req.ChatID,
		"content":    req.Content,
		"role":       req.Role,
		"is_deleted": false,
	}
}

func feedbackPayload(fb model.MessageFeedback) remote.Record {
	return remote.Record{
		"message_id": fb.MessageID,
		"profile_id": fb.ProfileID,
		"rating":     fb.Rating,
		"comment":    fb.Comment,
	}
}

func toolUsagePayload(tu model.ToolUsage) remote.Record {
	return remote.Record{
		"chat_id":   tu.ChatID,
		"tool_name": tu.ToolName,
		"args":      tu.Args,
	}
}

func chatFromRecord(rec remote.Record) model.Chat {
	return model.Chat{
		ID:            str(rec["id"]),
		ProfileID:     str(rec["profile_id"]),
		Org:           str(rec["org"]),
		Title:         str(rec["title"]),
		LastMessageAt: ts(rec["last_message_at"]),
		CreatedAt:     ts(rec["created_at"]),
		UpdatedAt:     ts(rec["updated_at"]),
	}
}

func messageFromRecord(rec remote.Record) model.ChatMessage {
	deleted, _ := rec["is_deleted"].(bool)
	return model.ChatMessage{
		ID:        str(rec["id"]),
		ChatID:    str(rec["chat_id"]),
		Content:   str(rec["content"]),
		Role:      str(rec["role"]),
		IsDeleted: deleted,
		CreatedAt: ts(rec["created_at"]),
		UpdatedAt: ts(rec["updated_at"]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func ts(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}
