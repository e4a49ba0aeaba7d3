package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/infrastructure/eventbus"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := NewDBConnection("sqlite", filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewDBConnection failed: %v", err)
	}
	return NewJournal(db, zap.NewNop())
}

func TestJournal_AppendAndQuery(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	events := []entity.Event{
		entity.NewEvent(entity.EventThought, "s1", map[string]any{"thought": "inspect the repo"}),
		entity.NewEvent(entity.EventToolStarted, "s1", map[string]any{"tool": "list_dir"}),
		entity.NewEvent(entity.EventComplete, "s1", nil),
		entity.NewEvent(entity.EventThought, "s2", nil),
	}
	for _, ev := range events {
		if err := j.Append(ctx, ev); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := j.Query(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].Type != entity.EventThought || got[2].Type != entity.EventComplete {
		t.Errorf("order wrong: %v, %v", got[0].Type, got[2].Type)
	}
	if got[0].Data["thought"] != "inspect the repo" {
		t.Errorf("data lost: %+v", got[0].Data)
	}

	count, err := j.Count(ctx, "s1")
	if err != nil || count != 3 {
		t.Errorf("Count = %d, %v", count, err)
	}
}

func TestJournal_QueryPagination(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := j.Append(ctx, entity.NewEvent(entity.EventStateUpdated, "s1", nil)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	page, err := j.Query(ctx, "s1", 2, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("page size = %d, want 2", len(page))
	}
}

func TestJournal_ApprovalAudit(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	if err := j.RecordApproval(ctx, "s1", "shell", "$ make deploy", "approved"); err != nil {
		t.Fatalf("RecordApproval failed: %v", err)
	}
	if err := j.RecordApproval(ctx, "s1", "file_write", "Write 12 bytes to x.txt", "denied"); err != nil {
		t.Fatalf("RecordApproval failed: %v", err)
	}

	records, err := j.ListApprovals(ctx, "s1")
	if err != nil {
		t.Fatalf("ListApprovals failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ToolName != "shell" || records[0].Decision != "approved" {
		t.Errorf("first record wrong: %+v", records[0])
	}
	if records[1].Decision != "denied" {
		t.Errorf("second record wrong: %+v", records[1])
	}
}

func TestJournal_AttachToBus(t *testing.T) {
	j := testJournal(t)
	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()

	j.AttachTo(bus)

	bus.Publish(context.Background(), entity.NewEvent(entity.EventToolResult, "s9", map[string]any{"ok": true}))

	deadline := time.Now().Add(2 * time.Second)
	for {
		count, err := j.Count(context.Background(), "s9")
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if count == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never journaled, count = %d", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewDBConnection_UnsupportedType(t *testing.T) {
	if _, err := NewDBConnection("oracle", "dsn"); err == nil {
		t.Fatal("expected error for unsupported database type")
	}
}
