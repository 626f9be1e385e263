package restore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"

	"relocare/internal/backup"
	"relocare/internal/logging"
	"relocare/internal/system"
)

func testLogger() *logging.Logger {
	l, _ := logging.New("ERROR", "", false)
	return l
}

func writeBackupFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "recovery-backup.wim")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRestoreVerifiedDigestPasses(t *testing.T) {
	destRoot := t.TempDir()
	// Pretend the apply populated the destination correctly.
	if err := os.WriteFile(filepath.Join(destRoot, "Winre.wim"), []byte("winre content"), 0644); err != nil {
		t.Fatal(err)
	}

	img := &backup.RecoveryImage{
		Digest: digest.FromString("winre content"),
		Path:   writeBackupFile(t, "container"),
	}

	sr := &system.ScriptRunner{}
	svc := &Service{R: sr, Log: testLogger()}
	if err := svc.Restore(context.Background(), img, destRoot); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	var applied bool
	for _, c := range sr.Calls {
		if strings.Contains(c, "/Apply-Image") && strings.Contains(c, "/Index:1") {
			applied = true
		}
	}
	if !applied {
		t.Fatalf("apply missing, calls: %v", sr.Calls)
	}
}

func TestRestoreCorruptedContentAbortsAndKeepsBackup(t *testing.T) {
	destRoot := t.TempDir()
	// The restored image does not match what was captured.
	if err := os.WriteFile(filepath.Join(destRoot, "Winre.wim"), []byte("tampered content"), 0644); err != nil {
		t.Fatal(err)
	}

	backupPath := writeBackupFile(t, "container")
	img := &backup.RecoveryImage{
		Digest: digest.FromString("winre content"),
		Path:   backupPath,
	}

	svc := &Service{R: &system.ScriptRunner{}, Log: testLogger()}
	err := svc.Restore(context.Background(), img, destRoot)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}

	// The backup must survive a failed restore.
	if _, statErr := os.Stat(backupPath); statErr != nil {
		t.Fatalf("backup was not retained: %v", statErr)
	}
}

func TestRestoreMissingImageIsMismatch(t *testing.T) {
	img := &backup.RecoveryImage{
		Digest: digest.FromString("winre content"),
		Path:   writeBackupFile(t, "container"),
	}

	svc := &Service{R: &system.ScriptRunner{}, Log: testLogger()}
	err := svc.Restore(context.Background(), img, t.TempDir())
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch for empty destination, got %v", err)
	}
}

func TestRestoreHonorsCapturedSubpath(t *testing.T) {
	destRoot := t.TempDir()
	sub := filepath.Join("Recovery", "WindowsRE")
	if err := os.MkdirAll(filepath.Join(destRoot, sub), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(destRoot, sub, "Winre.wim"), []byte("winre content"), 0644); err != nil {
		t.Fatal(err)
	}

	img := &backup.RecoveryImage{
		Digest:  digest.FromString("winre content"),
		Path:    writeBackupFile(t, "container"),
		Subpath: sub,
	}

	sr := &system.ScriptRunner{}
	svc := &Service{R: sr, Log: testLogger()}
	if err := svc.Restore(context.Background(), img, destRoot); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	want := filepath.Join(destRoot, sub)
	var appliedToSub bool
	for _, c := range sr.Calls {
		if strings.Contains(c, "/ApplyDir:"+want) {
			appliedToSub = true
		}
	}
	if !appliedToSub {
		t.Fatalf("apply must target the captured subpath, calls: %v", sr.Calls)
	}
}
