package postgres

import (
	"testing"

	"github.com/aveer-dev/collabsync/internal/remote"
)

func TestEnsureID_AssignsWhenAbsent(t *testing.T) {
	in := remote.Record{"profile_id": "u1", "org": "acme", "title": "t"}

	out := ensureID(in)
	id, ok := out["id"].(string)
	if !ok || id == "" {
		t.Fatalf("id not assigned: %v", out["id"])
	}
	if _, ok := in["id"]; ok {
		t.Fatal("caller's record must not be mutated")
	}
	if out["profile_id"] != "u1" || out["org"] != "acme" {
		t.Fatalf("payload columns lost: %v", out)
	}

	// Two id-less upserts must not collide.
	other := ensureID(in)
	if other["id"] == id {
		t.Fatal("assigned ids must be unique")
	}
}

func TestEnsureID_KeepsExplicitID(t *testing.T) {
	in := remote.Record{"id": "doc-1", "content": "x"}
	out := ensureID(in)
	if out["id"] != "doc-1" {
		t.Fatalf("explicit id overwritten: %v", out["id"])
	}
}

func TestCheckIdent_RejectsUnsafeNames(t *testing.T) {
	if err := checkIdent("chats", "chat_messages", "created_at"); err != nil {
		t.Fatalf("valid identifiers rejected: %v", err)
	}
	for _, bad := range []string{"", "Chats", "1col", `x"; DROP TABLE chats; --`} {
		if err := checkIdent(bad); err == nil {
			t.Fatalf("identifier %q accepted", bad)
		}
	}
}

func TestSplitOrderBy(t *testing.T) {
	col, dir, err := splitOrderBy("created_at asc")
	if err != nil || col != "created_at" || dir != "ASC" {
		t.Fatalf("got %q %q %v", col, dir, err)
	}
	col, dir, err = splitOrderBy("last_message_at DESC")
	if err != nil || col != "last_message_at" || dir != "DESC" {
		t.Fatalf("got %q %q %v", col, dir, err)
	}
	if _, _, err := splitOrderBy("created_at sideways"); err == nil {
		t.Fatal("invalid direction accepted")
	}
	if _, _, err := splitOrderBy("a b c"); err == nil {
		t.Fatal("malformed order by accepted")
	}
}
