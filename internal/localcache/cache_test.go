package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aveer-dev/collabsync/internal/clock/clocktest"
	"github.com/aveer-dev/collabsync/internal/localstate"
	"github.com/aveer-dev/collabsync/internal/model"
	"github.com/aveer-dev/collabsync/internal/remote"
	"github.com/aveer-dev/collabsync/internal/remote/memstore"
)

var errDown = errors.New("network unreachable")

func newTestCache(t *testing.T, ms *memstore.Store, kv localstate.KV, opts ...Option) *Cache {
	t.Helper()
	c, err := New(ms, kv, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCreateChat_OnlineWritesThrough(t *testing.T) {
	ms := memstore.New()
	c := newTestCache(t, ms, localstate.NewMemKV())

	chat, err := c.CreateChat(context.Background(), model.CreateChatRequest{
		ProfileID: "u1", Org: "acme", Title: "standup notes",
	})
	require.NoError(t, err)
	assert.False(t, isProvisionalID(chat.ID), "online create must carry the server id")

	chats := c.Chats("u1")
	require.Len(t, chats, 1)
	assert.Equal(t, chat.ID, chats[0].ID)
	assert.Equal(t, "standup notes", chats[0].Title)
	assert.Len(t, ms.UpsertLog(remote.TableChats), 1)
}

func TestCreateChat_RequiresProfile(t *testing.T) {
	c := newTestCache(t, memstore.New(), localstate.NewMemKV())

	_, err := c.CreateChat(context.Background(), model.CreateChatRequest{Org: "acme"})
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestCreateChat_OfflineQueuesAndReplays(t *testing.T) {
	ms := memstore.New()
	c := newTestCache(t, ms, localstate.NewMemKV())

	ms.SetErr(errDown)
	chat, err := c.CreateChat(context.Background(), model.CreateChatRequest{
		ProfileID: "u1", Org: "acme", Title: "drafts",
	})
	require.NoError(t, err, "offline create must still hand back a usable chat")
	assert.True(t, isProvisionalID(chat.ID))
	require.Len(t, c.Chats("u1"), 1)
	assert.Empty(t, ms.UpsertLog(remote.TableChats))

	ms.SetErr(nil)
	c.SyncPass(context.Background())

	log := ms.UpsertLog(remote.TableChats)
	require.Len(t, log, 1, "exactly one deferred upsert")
	assert.Equal(t, "u1", log[0]["profile_id"])
	assert.Equal(t, "acme", log[0]["org"])
	assert.Equal(t, "drafts", log[0]["title"])

	serverID := c.ResolveProvisional(chat.ID)
	assert.NotEqual(t, chat.ID, serverID, "provisional id must be reconciled")
	chats := c.Chats("u1")
	require.Len(t, chats, 1)
	assert.Equal(t, serverID, chats[0].ID)

	c.mu.Lock()
	depth := c.state.queueDepth()
	c.mu.Unlock()
	assert.Zero(t, depth, "queue must drain after a clean pass")
}

func TestSyncPass_ReplaysInEnqueueOrder(t *testing.T) {
	ms := memstore.New()
	c := newTestCache(t, ms, localstate.NewMemKV())

	ms.SetErr(errDown)
	chat, err := c.CreateChat(context.Background(), model.CreateChatRequest{ProfileID: "u1", Title: "t"})
	require.NoError(t, err)
	for _, content := range []string{"first", "second", "third"} {
		_, err := c.SaveMessage(context.Background(), model.SaveMessageRequest{
			ChatID: chat.ID, Content: content, Role: "user",
		})
		require.NoError(t, err)
	}

	ms.SetErr(nil)
	c.SyncPass(context.Background())

	// The chat create lands before any of its messages.
	require.Len(t, ms.UpsertLog(remote.TableChats), 1)
	msgLog := ms.UpsertLog(remote.TableChatMessages)
	require.Len(t, msgLog, 3)
	assert.Equal(t, "first", msgLog[0]["content"])
	assert.Equal(t, "second", msgLog[1]["content"])
	assert.Equal(t, "third", msgLog[2]["content"])

	serverChatID := c.ResolveProvisional(chat.ID)
	for _, rec := range msgLog {
		assert.Equal(t, serverChatID, rec["chat_id"], "queued messages must target the reconciled chat id")
	}
}

func TestSyncPass_FailedEntryRetainedForNextPass(t *testing.T) {
	ms := memstore.New()
	fake := clocktest.NewFake()
	c := newTestCache(t, ms, localstate.NewMemKV(), WithClock(fake))

	ms.SetErr(errDown)
	_, err := c.CreateChat(context.Background(), model.CreateChatRequest{ProfileID: "u1", Title: "t"})
	require.NoError(t, err)

	// Still offline: the pass fails and keeps the entry.
	c.SyncPass(context.Background())
	c.mu.Lock()
	depth := c.state.queueDepth()
	c.mu.Unlock()
	assert.Equal(t, 1, depth)

	ms.SetErr(nil)
	// A second pass inside the backoff window is a no-op.
	c.SyncPass(context.Background())
	assert.Empty(t, ms.UpsertLog(remote.TableChats))

	fake.Advance(5 * time.Second)
	c.SyncPass(context.Background())
	assert.Len(t, ms.UpsertLog(remote.TableChats), 1)
}

func TestGetMessages_MergesRemoteAndMirror(t *testing.T) {
	ms := memstore.New()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"m2", "m3", "m4"} {
		_, err := ms.Upsert(context.Background(), remote.TableChatMessages, remote.Record{
			"id": id, "chat_id": "c1", "content": "remote " + id, "role": "user",
			"is_deleted": false, "created_at": base.Add(time.Duration(i+1) * time.Minute),
		}, "id")
		require.NoError(t, err)
	}

	kv := localstate.NewMemKV()
	seedMirror(t, kv, mirrorSeed{
		chats: []model.Chat{{ID: "c1", ProfileID: "u1"}},
		messages: map[string][]model.ChatMessage{
			"c1": {
				{ID: "m1", ChatID: "c1", Content: "local m1", CreatedAt: base},
				{ID: "m2", ChatID: "c1", Content: "stale m2", CreatedAt: base.Add(time.Minute)},
				{ID: "m3", ChatID: "c1", Content: "stale m3", CreatedAt: base.Add(2 * time.Minute)},
			},
		},
	})
	c := newTestCache(t, ms, kv)

	msgs, err := c.GetMessages(context.Background(), "c1")
	require.NoError(t, err)
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids, "union, deduped, chronological")
	assert.Equal(t, "remote m2", msgs[1].Content, "remote wins on id collision")
}

func TestGetMessages_RemoteFailureServesMirror(t *testing.T) {
	ms := memstore.New()
	kv := localstate.NewMemKV()
	seedMirror(t, kv, mirrorSeed{
		chats: []model.Chat{{ID: "c1", ProfileID: "u1"}},
		messages: map[string][]model.ChatMessage{
			"c1": {
				{ID: "m1", ChatID: "c1", Content: "kept"},
				{ID: "m2", ChatID: "c1", Content: "gone", IsDeleted: true},
			},
		},
	})
	c := newTestCache(t, ms, kv)

	ms.SetErr(errDown)
	msgs, err := c.GetMessages(context.Background(), "c1")
	require.NoError(t, err, "mirror fallback is not an error")
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", msgs[0].Content)
}

func TestDeleteMessage_TombstoneSurvivesRemoteMerge(t *testing.T) {
	ms := memstore.New()
	_, err := ms.Upsert(context.Background(), remote.TableChatMessages, remote.Record{
		"id": "m1", "chat_id": "c1", "content": "hello", "role": "user", "is_deleted": false,
	}, "id")
	require.NoError(t, err)

	kv := localstate.NewMemKV()
	seedMirror(t, kv, mirrorSeed{
		chats: []model.Chat{{ID: "c1", ProfileID: "u1"}},
		messages: map[string][]model.ChatMessage{
			"c1": {{ID: "m1", ChatID: "c1", Content: "hello"}},
		},
	})
	c := newTestCache(t, ms, kv)

	// Offline delete: remote still reports the row as live.
	ms.SetErr(errDown)
	require.NoError(t, c.DeleteMessage(context.Background(), "m1"))
	ms.SetErr(nil)

	msgs, err := c.GetMessages(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs, "a locally deleted message must never resurrect")

	c.SyncPass(context.Background())
	rec, err := ms.Get(context.Background(), remote.TableChatMessages, "m1")
	require.NoError(t, err)
	assert.Equal(t, true, rec["is_deleted"], "delete must replay to the remote row")
}

func TestUpdateChat_OfflineQueuedAndReplayed(t *testing.T) {
	ms := memstore.New()
	seeded, err := ms.Upsert(context.Background(), remote.TableChats, remote.Record{
		"profile_id": "u1", "title": "old title",
	}, "id")
	require.NoError(t, err)
	chatID := seeded["id"].(string)

	kv := localstate.NewMemKV()
	seedMirror(t, kv, mirrorSeed{chats: []model.Chat{{ID: chatID, ProfileID: "u1", Title: "old title"}}})
	c := newTestCache(t, ms, kv)

	title := "new title"
	ms.SetErr(errDown)
	require.NoError(t, c.UpdateChat(context.Background(), chatID, model.ChatUpdate{Title: &title}))
	assert.Equal(t, "new title", c.Chats("u1")[0].Title, "mirror updates immediately")

	ms.SetErr(nil)
	c.SyncPass(context.Background())
	rec, err := ms.Get(context.Background(), remote.TableChats, chatID)
	require.NoError(t, err)
	assert.Equal(t, "new title", rec["title"])
}

func TestGetMessages_ProvisionalChatIDAfterReconcile(t *testing.T) {
	ms := memstore.New()
	c := newTestCache(t, ms, localstate.NewMemKV())

	ms.SetErr(errDown)
	chat, err := c.CreateChat(context.Background(), model.CreateChatRequest{ProfileID: "u1", Title: "t"})
	require.NoError(t, err)
	_, err = c.SaveMessage(context.Background(), model.SaveMessageRequest{
		ChatID: chat.ID, Content: "hello", Role: "user",
	})
	require.NoError(t, err)

	ms.SetErr(nil)
	c.SyncPass(context.Background())

	// The caller still holds the provisional chat id.
	msgs, err := c.GetMessages(context.Background(), chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	serverID := c.ResolveProvisional(chat.ID)
	c.mu.Lock()
	_, underProvisional := c.state.Messages[chat.ID]
	_, underServer := c.state.Messages[serverID]
	c.mu.Unlock()
	assert.False(t, underProvisional, "thread must not fork under the provisional key")
	assert.True(t, underServer)
}

func TestMirror_SurvivesRestart(t *testing.T) {
	ms := memstore.New()
	kv := localstate.NewMemKV()

	first := newTestCache(t, ms, kv)
	ms.SetErr(errDown)
	chat, err := first.CreateChat(context.Background(), model.CreateChatRequest{ProfileID: "u1", Title: "persisted"})
	require.NoError(t, err)
	first.Close()

	second := newTestCache(t, ms, kv)
	chats := second.Chats("u1")
	require.Len(t, chats, 1)
	assert.Equal(t, chat.ID, chats[0].ID)

	// The queued create survived too; a pass replays it.
	ms.SetErr(nil)
	second.SyncPass(context.Background())
	assert.Len(t, ms.UpsertLog(remote.TableChats), 1)
}

func TestMirror_CorruptStateStartsFresh(t *testing.T) {
	kv := localstate.NewMemKV()
	require.NoError(t, kv.Save(defaultNamespace, []byte("{not json")))

	c := newTestCache(t, memstore.New(), kv)
	assert.Empty(t, c.Chats("u1"))
}

func TestPeriodicSync_TickerDrivesReplay(t *testing.T) {
	ms := memstore.New()
	fake := clocktest.NewFake()
	c := newTestCache(t, ms, localstate.NewMemKV(), WithClock(fake), WithSyncInterval(30*time.Second))

	ms.SetErr(errDown)
	_, err := c.CreateChat(context.Background(), model.CreateChatRequest{ProfileID: "u1", Title: "t"})
	require.NoError(t, err)
	ms.SetErr(nil)

	fake.Advance(30 * time.Second)
	waitForCond(t, func() bool { return len(ms.UpsertLog(remote.TableChats)) == 1 },
		"periodic tick must replay the queue")
}

func TestSetReachable_TriggersImmediateSync(t *testing.T) {
	ms := memstore.New()
	c := newTestCache(t, ms, localstate.NewMemKV())

	ms.SetErr(errDown)
	_, err := c.CreateChat(context.Background(), model.CreateChatRequest{ProfileID: "u1", Title: "t"})
	require.NoError(t, err)

	c.SetReachable(false)
	ms.SetErr(nil)
	c.SetReachable(true)
	waitForCond(t, func() bool { return len(ms.UpsertLog(remote.TableChats)) == 1 },
		"reconnect must trigger a sync pass without waiting for the ticker")
}

func TestSaveFeedbackAndToolUsage_OfflineReplay(t *testing.T) {
	ms := memstore.New()
	c := newTestCache(t, ms, localstate.NewMemKV())

	ms.SetErr(errDown)
	require.NoError(t, c.SaveFeedback(context.Background(), model.MessageFeedback{
		MessageID: "m1", ProfileID: "u1", Rating: "up",
	}))
	require.NoError(t, c.SaveToolUsage(context.Background(), model.ToolUsage{
		ChatID: "c1", ToolName: "search", Args: `{"q":"go"}`,
	}))

	ms.SetErr(nil)
	c.SyncPass(context.Background())

	fbLog := ms.UpsertLog(remote.TableFeedback)
	require.Len(t, fbLog, 1)
	assert.Equal(t, "up", fbLog[0]["rating"])
	tuLog := ms.UpsertLog(remote.TableToolUsage)
	require.Len(t, tuLog, 1)
	assert.Equal(t, "search", tuLog[0]["tool_name"])
}

// --- helpers ---

type mirrorSeed struct {
	chats    []model.Chat
	messages map[string][]model.ChatMessage
}

func seedMirror(t *testing.T, kv localstate.KV, seed mirrorSeed) {
	t.Helper()
	state := newMirrorState()
	state.Chats = seed.chats
	for chatID, msgs := range seed.messages {
		state.Messages[chatID] = msgs
	}
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, kv.Save(defaultNamespace, raw))
}

func waitForCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSearchChats_RemoteMatchesTitlesAndMessages(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()
	_, err := ms.Upsert(ctx, remote.TableChats, remote.Record{
		"id": "c1", "profile_id": "u1", "title": "roadmap planning",
	}, "id")
	require.NoError(t, err)
	_, err = ms.Upsert(ctx, remote.TableChats, remote.Record{
		"id": "c2", "profile_id": "u1", "title": "misc",
	}, "id")
	require.NoError(t, err)
	_, err = ms.Upsert(ctx, remote.TableChatMessages, remote.Record{
		"id": "m1", "chat_id": "c2", "content": "the roadmap needs work", "role": "user", "is_deleted": false,
	}, "id")
	require.NoError(t, err)
	_, err = ms.Upsert(ctx, remote.TableChatMessages, remote.Record{
		"id": "m2", "chat_id": "c2", "content": "deleted roadmap note", "role": "user", "is_deleted": true,
	}, "id")
	require.NoError(t, err)

	c := newTestCache(t, ms, localstate.NewMemKV())

	results, err := c.SearchChats(ctx, "u1", "roadmap")
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := make(map[string]model.ChatSearchResult)
	for _, r := range results {
		byID[r.Chat.ID] = r
	}
	assert.Empty(t, byID["c1"].Messages, "title-only match carries no messages")
	require.Len(t, byID["c2"].Messages, 1, "soft-deleted matches are excluded")
	assert.Equal(t, "m1", byID["c2"].Messages[0].ID)
}

func TestSearchChats_FallsBackToMirrorScan(t *testing.T) {
	ms := memstore.New()
	kv := localstate.NewMemKV()
	seedMirror(t, kv, mirrorSeed{
		chats: []model.Chat{
			{ID: "c1", ProfileID: "u1", Title: "Groceries"},
			{ID: "c2", ProfileID: "u2", Title: "groceries too"},
		},
		messages: map[string][]model.ChatMessage{
			"c1": {{ID: "m1", ChatID: "c1", Content: "buy GROCERIES tonight"}},
		},
	})
	c := newTestCache(t, ms, kv)

	ms.SetErr(errDown)
	results, err := c.SearchChats(context.Background(), "u1", "groceries")
	require.NoError(t, err)
	require.Len(t, results, 1, "other profiles are filtered out")
	assert.Equal(t, "c1", results[0].Chat.ID)
	require.Len(t, results[0].Messages, 1, "matching is case-insensitive")
}

func TestSearchChats_EmptyQuery(t *testing.T) {
	c := newTestCache(t, memstore.New(), localstate.NewMemKV())
	results, err := c.SearchChats(context.Background(), "u1", strings.Repeat(" ", 3))
	require.NoError(t, err)
	assert.Nil(t, results)
}
