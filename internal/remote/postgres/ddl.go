package postgres

import "database/sql"

// EnsureSchema creates the subsystem's tables if they do not exist. It is a
// convenience for local development; managed deployments own their schema.
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
            id TEXT PRIMARY KEY,
            content TEXT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );`,
		`CREATE TABLE IF NOT EXISTS chats (
            id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
            profile_id TEXT NOT NULL,
            org TEXT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
            id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
            chat_id TEXT NOT NULL REFERENCES chats(id),
            content TEXT NOT NULL,
            role TEXT NOT NULL,
            is_deleted BOOLEAN NOT NULL DEFAULT false,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );`,
		`CREATE INDEX IF NOT EXISTS chat_messages_chat_idx ON chat_messages(chat_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS message_feedback (
            id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
            message_id TEXT NOT NULL,
            profile_id TEXT NOT NULL,
            rating TEXT NOT NULL,
            comment TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );`,
		`CREATE TABLE IF NOT EXISTS chat_tool_usage (
            id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
            chat_id TEXT NOT NULL,
            tool_name TEXT NOT NULL,
            args TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
