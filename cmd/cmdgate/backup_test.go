package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"cmdgate/internal/domain"
	"cmdgate/internal/store"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	dbPath := filepath.Join(src, "live.db")
	cfgPath := filepath.Join(src, "cfg.json")

	db, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateUser(ctx, "alice", domain.RoleMember, "h", 7); err != nil {
		t.Fatal(err)
	}
	db.Close()
	if err := os.WriteFile(cfgPath, []byte(`{"general":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	snap := filepath.Join(t.TempDir(), archiveDB)
	if err := snapshotDatabase(ctx, dbPath, snap); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(t.TempDir(), "b.tar.gz")
	if err := createTarGz(archive, map[string]string{archiveDB: snap, archiveConfig: cfgPath}); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	restoredDB := filepath.Join(dst, "data", "restored.db")
	restoredCfg := filepath.Join(dst, "config.json")
	got, err := extractTarGz(archive, map[string]string{archiveDB: restoredDB, archiveConfig: restoredCfg})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("restored %v, want 2 files", got)
	}

	cfg, err := os.ReadFile(restoredCfg)
	if err != nil {
		t.Fatal(err)
	}
	if string(cfg) != `{"general":{}}` {
		t.Errorf("config = %q", cfg)
	}

	back, err := store.NewSQLiteStore(restoredDB, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer back.Close()
	u, err := back.UserByUsername(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Credits != 7 {
		t.Errorf("credits = %d, want 7", u.Credits)
	}
}

func TestExtractSkipsUnknownMembers(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "x.tar.gz")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := []byte("nope")
	if err := tw.WriteHeader(&tar.Header{Name: "../../etc/passwd", Mode: 0o600, Size: int64(len(body))}); err != nil {
		t.Fatal(err)
	}
	tw.Write(body)
	tw.Close()
	gz.Close()
	f.Close()

	got, err := extractTarGz(archive, map[string]string{archiveDB: filepath.Join(t.TempDir(), "db")})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("restored %v, want nothing", got)
	}
}

func TestHumanSize(t *testing.T) {
	tests := map[int64]string{
		512:         "512 B",
		2048:        "2.0 KB",
		3 << 20:     "3.0 MB",
		5 << 30 / 2: "2.5 GB",
	}
	for in, want := range tests {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}
