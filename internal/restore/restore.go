// Package restore repopulates a freshly created partition from a backup
// and verifies content integrity before the environment may be enabled.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"relocare/internal/backup"
	"relocare/internal/logging"
	"relocare/internal/system"
)

// ErrDigestMismatch marks a restore whose integrity cannot be confirmed.
// The caller must leave the environment disabled and keep the backup.
var ErrDigestMismatch = errors.New("restored content digest does not match the captured digest")

// Service applies backup containers and verifies the result.
type Service struct {
	R   system.Runner
	Log *logging.Logger

	// Test seams; nil means the real implementation.
	Stat       func(string) (os.FileInfo, error)
	DigestFile func(string) (digest.Digest, error)
}

func (s *Service) digestFile(path string) (digest.Digest, error) {
	if s.DigestFile != nil {
		return s.DigestFile(path)
	}
	return backup.FileDigest(path)
}

// Restore applies the backup to the destination drive root and compares
// the restored image digest against the captured one. Never silently
// accepts a restore whose integrity cannot be confirmed.
func (s *Service) Restore(ctx context.Context, img *backup.RecoveryImage, destRoot string) error {
	applyDir := destRoot
	if img.Subpath != "" {
		applyDir = filepath.Join(destRoot, img.Subpath)
	}

	s.Log.Log("INFO", "Applying recovery backup (this can take minutes)",
		"backup", img.Path, "destination", applyDir)
	dism := system.DISM{R: s.R}
	if err := dism.Apply(ctx, img.Path, applyDir); err != nil {
		return err
	}

	restored, ok := backup.LocateImage(applyDir, s.Stat)
	if !ok {
		return fmt.Errorf("restored tree under %s holds no recovery image: %w", applyDir, ErrDigestMismatch)
	}

	after, err := s.digestFile(restored)
	if err != nil {
		return err
	}

	if after != img.Digest {
		s.Log.Log("ERROR", "Restore verification failed",
			"expected", img.Digest.String(), "actual", after.String(), "backup_retained", img.Path)
		return fmt.Errorf("%s: expected %s, got %s: %w", restored, img.Digest, after, ErrDigestMismatch)
	}

	s.Log.Log("INFO", "Restore verified", "digest", after.String())
	return nil
}
