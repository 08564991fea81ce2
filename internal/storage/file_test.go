package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "delayd/pkg/logx"
)

func openTempFileStore(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func readEntries(t *testing.T, path string) []OutcomeEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()
	var out []OutcomeEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e OutcomeEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("journal line not JSON: %v (%q)", err, sc.Text())
		}
		out = append(out, e)
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = (%v, %v), want disabled", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("Open accepted an unknown driver")
	}
}

func TestFileStoreAppend(t *testing.T) {
	t.Parallel()

	st, path := openTempFileStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	entries := []OutcomeEntry{
		{At: now, Recorded: now.Add(5 * time.Millisecond), ID: "a", Sequence: 1, Outcome: "released", LagMS: 5},
		{At: now, Recorded: now, ID: "b", Sequence: 2, Outcome: "rejected", Reason: "max_held_messages"},
	}
	for _, e := range entries {
		if err := st.AppendOutcome(ctx, e); err != nil {
			t.Fatalf("AppendOutcome: %v", err)
		}
	}

	got := readEntries(t, path)
	if len(got) != len(entries) {
		t.Fatalf("journal has %d entries, want %d", len(got), len(entries))
	}
	if got[0].ID != "a" || got[0].Outcome != "released" || got[0].LagMS != 5 {
		t.Fatalf("first entry = %+v", got[0])
	}
	if got[1].Reason != "max_held_messages" {
		t.Fatalf("second entry = %+v", got[1])
	}
}

func TestFileStorePruneBefore(t *testing.T) {
	t.Parallel()

	st, path := openTempFileStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		e := OutcomeEntry{
			At:       base,
			Recorded: base.Add(time.Duration(i) * time.Minute),
			ID:       "m",
			Sequence: uint64(i + 1),
			Outcome:  "released",
		}
		if err := st.AppendOutcome(ctx, e); err != nil {
			t.Fatalf("AppendOutcome %d: %v", i, err)
		}
	}

	cutoff := base.Add(5 * time.Minute)
	if err := st.PruneBefore(ctx, cutoff); err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}

	got := readEntries(t, path)
	if len(got) != 5 {
		t.Fatalf("journal has %d entries after prune, want 5", len(got))
	}
	for _, e := range got {
		if e.Recorded.Before(cutoff) {
			t.Fatalf("entry %d survived prune with recorded %v < cutoff %v", e.Sequence, e.Recorded, cutoff)
		}
	}

	// Appends keep working against the compacted file.
	if err := st.AppendOutcome(ctx, OutcomeEntry{At: base, Recorded: base.Add(time.Hour), ID: "n", Sequence: 11, Outcome: "abandoned", Reason: "no_flush"}); err != nil {
		t.Fatalf("AppendOutcome after prune: %v", err)
	}
	if got := readEntries(t, path); len(got) != 6 {
		t.Fatalf("journal has %d entries after post-prune append, want 6", len(got))
	}
}

func TestFileStoreRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver accepted an empty path")
	}
}
