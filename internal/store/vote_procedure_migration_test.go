package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVoteProcedureMigrationLocksDebateRow(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0003_cast_or_switch_vote.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"CREATE OR REPLACE FUNCTION cast_or_switch_vote",
		"#variable_conflict use_column",
		"FOR NO KEY UPDATE",
		"switch_limit_exceeded",
		"ERRCODE = 'P0002'",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	// A plain FOR UPDATE would conflict with the key-share locks taken by
	// comment inserts referencing the debate.
	if strings.Contains(sqlText, "FOR UPDATE;") {
		t.Fatalf("expected the debate lock to be FOR NO KEY UPDATE")
	}
}

func TestCommentsMigrationEnforcesOnePerAuthor(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0002_debates.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	for _, snippet := range []string{
		"CONSTRAINT debate_comments_one_per_author UNIQUE (debate_id, author_id)",
		"PRIMARY KEY (comment_id, user_id)",
		"PRIMARY KEY (debate_id, user_id)",
		"CHECK (votes_a >= 0)",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}
