// Package backup snapshots recovery-partition contents into a portable
// WIM container and fingerprints them for later restore verification.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"relocare/internal/logging"
	"relocare/internal/pathspec"
	"relocare/internal/system"
)

// Label tags every backup container produced by this tool.
const Label = "Recovery partition backup"

const imageFileName = "Winre.wim"

// RecoveryImage is a captured snapshot of recovery-partition contents.
// Created at capture time, consumed exactly once at restore time.
type RecoveryImage struct {
	// Digest fingerprints the recovery image file found at capture time.
	Digest digest.Digest
	// Path is the backing WIM container on local storage.
	Path string
	// Source describes where the contents came from.
	Source string
	// Subpath is the captured directory below the partition root; the
	// restore applies the container to the same relative location.
	Subpath string
}

// FileDigest computes the 256-bit content digest of a file.
func FileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot open %s for digest: %w", path, err)
	}
	defer f.Close()

	d, err := digest.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("digest of %s failed: %w", path, err)
	}
	return d, nil
}

// LocateImage finds the recovery image file under dir. The enabled layout
// nests it under WindowsRE\, the disabled layout stores it directly.
func LocateImage(dir string, stat func(string) (os.FileInfo, error)) (string, bool) {
	if stat == nil {
		stat = os.Stat
	}
	for _, p := range []string{
		filepath.Join(dir, imageFileName),
		filepath.Join(dir, "WindowsRE", imageFileName),
	} {
		if st, err := stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

// Service captures recovery-partition contents.
type Service struct {
	R               system.Runner
	Log             *logging.Logger
	BackupDir       string
	PreferredLetter string

	// Test seams; nil means the real implementation.
	FreeLetter func(preferred string) (string, error)
	Stat       func(string) (os.FileInfo, error)
	DigestFile func(string) (digest.Digest, error)
}

func (s *Service) digestFile(path string) (digest.Digest, error) {
	if s.DigestFile != nil {
		return s.DigestFile(path)
	}
	return FileDigest(path)
}

// Capture resolves the capture-directory reference to an accessible drive
// letter, fingerprints the recovery image and snapshots the whole tree
// into a WIM container. A missing image is not an error: an empty or
// never-initialized recovery partition is valid input, and Capture then
// returns (nil, nil), the "no signature" result.
func (s *Service) Capture(ctx context.Context, ref pathspec.Ref, parts []system.Partition) (*RecoveryImage, error) {
	part, err := pathspec.Resolve(ref, parts)
	if err != nil {
		return nil, err
	}

	letter := part.Letter()
	if letter == "" {
		freeLetter := s.FreeLetter
		if freeLetter == nil {
			freeLetter = system.FreeLetter
		}
		l, err := freeLetter(s.PreferredLetter)
		if err != nil {
			return nil, fmt.Errorf("no transient letter for capture source: %w", err)
		}
		if err := system.AddAccessPath(ctx, s.R, part.DiskNumber, part.PartitionNumber, l); err != nil {
			return nil, err
		}
		letter = l
		defer func() {
			if err := system.RemoveAccessPath(ctx, s.R, part.DiskNumber, part.PartitionNumber, l); err != nil {
				s.Log.Log("WARN", "Cannot release transient capture letter", "letter", l, "error", err.Error())
			}
		}()
	}

	dir := letter + `:\`
	if ref.Subpath != "" {
		dir = filepath.Join(dir, ref.Subpath)
	}

	imgPath, ok := LocateImage(dir, s.Stat)
	if !ok {
		s.Log.Log("INFO", "No recovery image found at either known layout, nothing to back up", "dir", dir)
		return nil, nil
	}

	dgst, err := s.digestFile(imgPath)
	if err != nil {
		return nil, err
	}
	s.Log.Log("INFO", "Recovery image fingerprinted", "file", imgPath, "digest", dgst.String())

	if err := os.MkdirAll(s.BackupDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create backup directory %s: %w", s.BackupDir, err)
	}
	wimPath := filepath.Join(s.BackupDir, "recovery-backup.wim")
	// DISM appends an index to an existing container; start clean.
	if err := os.Remove(wimPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot replace stale backup %s: %w", wimPath, err)
	}

	dism := system.DISM{R: s.R}
	if err := dism.Capture(ctx, dir, wimPath, Label); err != nil {
		return nil, err
	}

	if s.Log.Verbose() {
		if info, err := dism.Info(ctx, wimPath); err == nil {
			s.Log.Log("DEBUG", "Backup container contents", "info", info)
		}
	}

	s.Log.Log("INFO", "Recovery contents captured", "source", dir, "backup", wimPath)
	return &RecoveryImage{
		Digest:  dgst,
		Path:    wimPath,
		Source:  ref.String(),
		Subpath: ref.Subpath,
	}, nil
}
