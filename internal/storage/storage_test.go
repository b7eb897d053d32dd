package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"netadapt/pkg/analytics"
)

func sampleSnapshot(rate float64) *analytics.Snapshot {
	return &analytics.Snapshot{
		Entries: []analytics.EntrySnapshot{{
			Signature:        "wifi-good-false",
			AvgLatencyMs:     120,
			LatencySamples:   8,
			SuccessRate:      rate,
			SampleCount:      10,
			LastUpdated:      time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
			OptimalHeartbeat: 25 * time.Second,
		}},
		Weights: []float64{-2000, 8000, 5000, 1000},
		Bias:    25000,
		SavedAt: time.Date(2026, 8, 30, 12, 0, 1, 0, time.UTC),
	}
}

func assertRoundTrip(t *testing.T, st Store) {
	t.Helper()

	ctx := context.Background()
	if snap, err := st.Load(ctx); err != nil || snap != nil {
		t.Fatalf("empty load = %v, %v; want nil, nil", snap, err)
	}

	want := sampleSnapshot(0.9)
	if err := st.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || len(got.Entries) != 1 {
		t.Fatalf("snapshot = %+v", got)
	}
	e := got.Entries[0]
	if e.Signature != "wifi-good-false" || e.SuccessRate != 0.9 ||
		e.OptimalHeartbeat != 25*time.Second {
		t.Fatalf("entry = %+v", e)
	}
	if got.Bias != 25000 || len(got.Weights) != 4 {
		t.Fatalf("model state = weights %v bias %v", got.Weights, got.Bias)
	}

	// A second save overwrites rather than accumulating rows.
	if err := st.Save(ctx, sampleSnapshot(0.5)); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err = st.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(got.Entries) != 1 || got.Entries[0].SuccessRate != 0.5 {
		t.Fatalf("after overwrite: %+v", got)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "analytics.json")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	assertRoundTrip(t, st)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "analytics.db"),
		BusyTimeout: time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	assertRoundTrip(t, st)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics.db")
	cfg := Config{Driver: "sqlite", Path: path}

	st, err := Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Save(context.Background(), sampleSnapshot(0.75)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if got == nil || got.Entries[0].SuccessRate != 0.75 {
		t.Fatalf("snapshot after reopen = %+v", got)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	assertRoundTrip(t, m)
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, zerolog.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: store = %v, err = %v; want nil, nil", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, zerolog.Nop()); err == nil {
		t.Fatal("unknown driver must error")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{Driver: "file"}, zerolog.Nop()); err == nil {
		t.Fatal("file driver without path must error")
	}
	if _, err := Open(Config{Driver: "sqlite"}, zerolog.Nop()); err == nil {
		t.Fatal("sqlite driver without path must error")
	}
}

func TestSaveNilSnapshotIsNoop(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "analytics.json")}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Save(context.Background(), nil); err != nil {
		t.Fatalf("nil save: %v", err)
	}
	if snap, err := st.Load(context.Background()); err != nil || snap != nil {
		t.Fatalf("load = %v, %v; want nil, nil", snap, err)
	}
}
