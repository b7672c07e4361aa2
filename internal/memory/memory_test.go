package memory

import (
	"errors"
	"testing"
	"time"
)

func TestSaveGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	e, err := s.Save("task-summary", "worker one finished the parser", []string{"summary"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Get("task-summary")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != e.Content || got.Key != "task-summary" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "summary" {
		t.Errorf("tags = %v", got.Tags)
	}
}

func TestSavePreservesCreatedAt(t *testing.T) {
	s := NewStore(t.TempDir())
	first, err := s.Save("k", "v1", nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	second, err := s.Save("k", "v2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("created_at should survive overwrites")
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Error("updated_at should advance")
	}
	got, _ := s.Get("k")
	if got.Content != "v2" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestDeleteArchivesAndRestore(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Save("k", "v", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("k"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("deleted entry should be gone, got %v", err)
	}

	archived, err := s.ListArchive()
	if err != nil || len(archived) != 1 {
		t.Fatalf("archive = %v, err %v", archived, err)
	}

	found, err := s.SearchArchive("V")
	if err != nil || len(found) != 1 {
		t.Errorf("case-insensitive search failed: %v", found)
	}

	if err := s.Restore("k"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("k"); err != nil {
		t.Errorf("restored entry missing: %v", err)
	}
}

func TestSummarize(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, k := range []string{"b", "a"} {
		if _, err := s.Save(k, "x", nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Save("c", "x", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("c"); err != nil {
		t.Fatal(err)
	}

	sum, err := s.Summarize()
	if err != nil {
		t.Fatal(err)
	}
	if sum.Entries != 2 || sum.Archived != 1 {
		t.Errorf("summary = %+v", sum)
	}
	// Keys are sorted.
	if sum.Keys[0] != "a" || sum.Keys[1] != "b" {
		t.Errorf("keys = %v", sum.Keys)
	}
}

func TestHostileKeySanitized(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Save("../escape", "v", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("../escape"); err != nil {
		t.Errorf("sanitized key should round trip: %v", err)
	}
}
