package localstate

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestSQLiteKV_RoundTrip(t *testing.T) {
	kv, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = kv.Close() }()

	got, err := kv.Load("collabsync/chat-cache")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Fatalf("missing key must load as nil, got %q", got)
	}

	if err := kv.Save("collabsync/chat-cache", []byte(`{"chats":[]}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := kv.Save("collabsync/chat-cache", []byte(`{"chats":[1]}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err = kv.Load("collabsync/chat-cache")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(got, []byte(`{"chats":[1]}`)) {
		t.Fatalf("load = %q, want last saved value", got)
	}
}

func TestSQLiteKV_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	kv, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := kv.Save("k", []byte("v")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	got, err := reopened.Load("k")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("load after reopen = %q", got)
	}
}

func TestDataDir_HonorsOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	t.Setenv("COLLABSYNC_STATE_HOME", dir)

	got, err := DataDir()
	if err != nil {
		t.Fatalf("datadir: %v", err)
	}
	if got != dir {
		t.Fatalf("DataDir = %q, want %q", got, dir)
	}

	dbPath, err := DBPath()
	if err != nil {
		t.Fatalf("dbpath: %v", err)
	}
	if dbPath != filepath.Join(dir, "cache.db") {
		t.Fatalf("DBPath = %q", dbPath)
	}
}
