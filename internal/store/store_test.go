package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x5a}, 32)
}

func openTest(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sub", "card.db")
	s, err := Open(context.Background(), path, testKey())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func sampleRecord() *StateRecord {
	return &StateRecord{
		CardID:        "card-1",
		RetryCounter:  2,
		Authenticated: 0x55,
		Muted:         0x55,
		ReferencePIN:  []byte{1, 2, 3, 4},
		TamperCount:   1,
	}
}

func TestOpenRejectsShortKey(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), []byte("short"))
	if !errors.Is(err, ErrKeySize) {
		t.Fatalf("err = %v, want ErrKeySize", err)
	}
}

func TestOpenSetsPermissionsAndMigrates(t *testing.T) {
	s, path := openTest(t)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("database mode = %04o", info.Mode().Perm())
	}

	v, err := SchemaVersion(context.Background(), s.db)
	if err != nil {
		t.Fatal(err)
	}
	if v != len(migrations) {
		t.Errorf("schema version = %d, want %d", v, len(migrations))
	}

	if err := MigrateDB(context.Background(), s.db); err != nil {
		t.Errorf("second migration run: %v", err)
	}
}

func TestStateRoundTrip(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()

	if _, err := s.LoadState(ctx, "card-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing card: err = %v", err)
	}

	rec := sampleRecord()
	if err := s.SaveState(ctx, rec); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	got, err := s.LoadState(ctx, "card-1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got.RetryCounter != 2 || got.TamperCount != 1 || !bytes.Equal(got.ReferencePIN, []byte{1, 2, 3, 4}) {
		t.Errorf("unexpected record: %+v", got)
	}

	rec.RetryCounter = 0
	rec.UpdatedAt = time.Time{}
	if err := s.SaveState(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err = s.LoadState(ctx, "card-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCounter != 0 {
		t.Errorf("RetryCounter = %d after update", got.RetryCounter)
	}
}

func TestTamperedRecordFailsIntegrity(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	if err := s.SaveState(ctx, sampleRecord()); err != nil {
		t.Fatal(err)
	}

	if _, err := s.db.Exec(`UPDATE card_state SET retry_counter = 3 WHERE card_id = ?`, "card-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadState(ctx, "card-1"); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
}

func TestRecordFromOtherKeyFailsIntegrity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.db")
	ctx := context.Background()

	a, err := Open(ctx, path, testKey())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SaveState(ctx, sampleRecord()); err != nil {
		t.Fatal(err)
	}
	a.Close()

	b, err := Open(ctx, path, bytes.Repeat([]byte{0x01}, 32))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if _, err := b.LoadState(ctx, "card-1"); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
}

func TestCampaignResults(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()

	results := []CampaignResult{
		{RunID: "run-a", Preset: "v0", Fault: "skip@decrement", Outcome: "spared"},
		{RunID: "run-a", Preset: "v4", Scenario: "wrong_pin", Fault: "truncate@verdict", Outcome: "detected", Truncated: true},
		{RunID: "run-b", Preset: "v0", Fault: "invert@verdict", Outcome: "bypassed"},
	}
	if err := s.InsertCampaignResults(ctx, results); err != nil {
		t.Fatal(err)
	}

	got, err := s.CampaignResults(ctx, "run-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[1].Preset != "v4" || got[1].Outcome != "detected" || got[1].Scenario != "wrong_pin" || !got[1].Truncated {
		t.Errorf("unexpected second result: %+v", got[1])
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestMemoryStoreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := sampleRecord()
	if err := m.SaveState(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.ReferencePIN[0] = 9

	got, err := m.LoadState(ctx, "card-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ReferencePIN[0] != 1 {
		t.Error("store shares the caller's buffer")
	}
	if _, err := m.LoadState(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}
