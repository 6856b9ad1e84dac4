package localcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aveer-dev/collabsync/internal/config"
	"github.com/aveer-dev/collabsync/internal/model"
	"github.com/aveer-dev/collabsync/internal/remote/memstore"
)

func TestOpen_UsesConfiguredSyncInterval(t *testing.T) {
	t.Setenv("COLLABSYNC_STATE_HOME", t.TempDir())
	ms := memstore.New()
	cfg := &config.Config{SyncInterval: 5 * time.Second}

	c, err := Open(ms, cfg)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 5*time.Second, c.interval)
}

func TestOpen_StateSurvivesReopen(t *testing.T) {
	t.Setenv("COLLABSYNC_STATE_HOME", t.TempDir())
	ms := memstore.New()
	cfg := &config.Config{SyncInterval: time.Minute}

	first, err := Open(ms, cfg)
	require.NoError(t, err)
	ms.SetErr(errDown)
	chat, err := first.CreateChat(context.Background(), model.CreateChatRequest{ProfileID: "u1", Title: "t"})
	require.NoError(t, err)
	first.Close()

	reopened, err := Open(ms, cfg)
	require.NoError(t, err)
	defer reopened.Close()
	chats := reopened.Chats("u1")
	require.Len(t, chats, 1)
	assert.Equal(t, chat.ID, chats[0].ID)
}
