package localcache

import (
	"context"
	"sort"
	"strings"

	"github.com/aveer-dev/collabsync/internal/model"
	"github.com/aveer-dev/collabsync/internal/remote"
)

// SearchChats matches the query against chat titles and message contents
// for one profile. A chat is returned when its title matches or at least
// one of its messages does, and only the matching messages accompany it.
// When the remote store cannot serve the search, the mirror is scanned
// with a case-insensitive substring match instead.
func (c *Cache) SearchChats(ctx context.Context, profileID, query string) ([]model.ChatSearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	if searcher, ok := c.store.(remote.TextSearcher); ok {
		results, err := c.searchRemote(ctx, searcher, profileID, query)
		if err == nil {
			return results, nil
		}
		localFallbacks.Inc()
		c.log.Debug().Err(err).Msg("remote search failed, scanning mirror")
	}
	return c.searchMirror(profileID, query), nil
}

func (c *Cache) searchRemote(ctx context.Context, searcher remote.TextSearcher, profileID, query string) ([]model.ChatSearchResult, error) {
	chatRecs, err := searcher.TextSearch(ctx, remote.TableChats, "title", query)
	if err != nil {
		return nil, err
	}
	msgRecs, err := searcher.TextSearch(ctx, remote.TableChatMessages, "content", query)
	if err != nil {
		return nil, err
	}

	byChat := make(map[string]*model.ChatSearchResult)
	for _, rec := range chatRecs {
		chat := chatFromRecord(rec)
		if chat.ProfileID != profileID {
			continue
		}
		byChat[chat.ID] = &model.ChatSearchResult{Chat: chat}
	}
	for _, rec := range msgRecs {
		msg := messageFromRecord(rec)
		if msg.IsDeleted {
			continue
		}
		res, ok := byChat[msg.ChatID]
		if !ok {
			chat, found := c.lookupChat(ctx, msg.ChatID, profileID)
			if !found {
				continue
			}
			res = &model.ChatSearchResult{Chat: chat}
			byChat[msg.ChatID] = res
		}
		res.Messages = append(res.Messages, msg)
	}
	return collectResults(byChat), nil
}

// lookupChat resolves the owning chat of a matched message, preferring
// the mirror and falling back to a remote get. Chats belonging to other
// profiles are filtered out.
func (c *Cache) lookupChat(ctx context.Context, chatID, profileID string) (model.Chat, bool) {
	c.mu.Lock()
	for _, chat := range c.state.Chats {
		if chat.ID == chatID || c.provisional[chat.ID] == chatID {
			c.mu.Unlock()
			return chat, chat.ProfileID == profileID
		}
	}
	c.mu.Unlock()

	rec, err := c.store.Get(ctx, remote.TableChats, chatID)
	if err != nil || rec == nil {
		return model.Chat{}, false
	}
	chat := chatFromRecord(rec)
	return chat, chat.ProfileID == profileID
}

func (c *Cache) searchMirror(profileID, query string) []model.ChatSearchResult {
	q := strings.ToLower(query)
	c.mu.Lock()
	defer c.mu.Unlock()

	byChat := make(map[string]*model.ChatSearchResult)
	for _, chat := range c.state.Chats {
		if chat.ProfileID != profileID {
			continue
		}
		res := &model.ChatSearchResult{Chat: chat}
		if strings.Contains(strings.ToLower(chat.Title), q) {
			byChat[chat.ID] = res
		}
		for _, msg := range c.state.Messages[chat.ID] {
			if msg.IsDeleted || !strings.Contains(strings.ToLower(msg.Content), q) {
				continue
			}
			byChat[chat.ID] = res
			res.Messages = append(res.Messages, msg)
		}
	}
	return collectResults(byChat)
}

func collectResults(byChat map[string]*model.ChatSearchResult) []model.ChatSearchResult {
	out := make([]model.ChatSearchResult, 0, len(byChat))
	for _, res := range byChat {
		sort.SliceStable(res.Messages, func(i, j int) bool {
			return res.Messages[i].CreatedAt.Before(res.Messages[j].CreatedAt)
		})
		out = append(out, *res)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Chat.LastMessageAt.After(out[j].Chat.LastMessageAt)
	})
	return out
}
