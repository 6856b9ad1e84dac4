// Package remote defines the narrow boundary to the hosted row-store. The
// sync service and the local-first cache depend only on this interface,
// never on a specific backend.
package remote

import (
	"context"
	"errors"
	"fmt"
)

// Table names used by the subsystem.
const (
	TableDocuments    = "documents"
	TableChats        = "chats"
	TableChatMessages = "chat_messages"
	TableFeedback     = "message_feedback"
	TableToolUsage    = "chat_tool_usage"
)

// Record is one row, keyed by column name. Values round-trip through JSON.
type Record = map[string]any

// Store is the four-operation contract over the row-store. All operations
// are network calls and may fail with a *Error; a timeout is treated like
// any other remote failure. Get never fails for a missing row: not-found
// is the normal (nil, nil) result.
type Store interface {
	Get(ctx context.Context, table, key string) (Record, error)
	Upsert(ctx context.Context, table string, rec Record, conflictKey string) (Record, error)
	SelectMatching(ctx context.Context, table string, filter map[string]any, orderBy string) ([]Record, error)
	Update(ctx context.Context, table, key string, partial Record) error
}

// TextSearcher is the optional fifth operation, used only by chat search.
type TextSearcher interface {
	TextSearch(ctx context.Context, table, column, query string) ([]Record, error)
}

// Error is the remote failure taxonomy: network, authorization, or server
// failures all surface as one.
type Error struct {
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf wraps err as a *Error for the given op and table.
func Errf(op, table string, err error) error {
	return &Error{Op: op, Table: table, Err: err}
}

// IsRemote reports whether err came from the remote store boundary.
func IsRemote(err error) bool {
	var re *Error
	return errors.As(err, &re)
}
