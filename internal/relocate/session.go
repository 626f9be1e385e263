// Package relocate drives a full recovery-partition relocation: inventory,
// branch selection on the live environment state, backup, partition
// surgery, restore and boot repair.
package relocate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"relocare/internal/backup"
	"relocare/internal/bootcfg"
	"relocare/internal/config"
	"relocare/internal/inventory"
	"relocare/internal/logging"
	"relocare/internal/partition"
	"relocare/internal/pathspec"
	"relocare/internal/prompt"
	"relocare/internal/reporting"
	"relocare/internal/restore"
	"relocare/internal/sizing"
	"relocare/internal/system"
)

// ErrNoRecoveryImage is fatal on a disabled environment: without a source
// image there is nothing to install into the new partition.
var ErrNoRecoveryImage = errors.New("no recovery image available: none staged on the system drive and no installation media configured")

// InventoryTaker reads disk state and selects the relocation target.
type InventoryTaker interface {
	Take(ctx context.Context) (*inventory.Snapshot, error)
	SelectTarget(ctx context.Context, snap *inventory.Snapshot, confirm prompt.Func) (*inventory.Target, error)
}

// Sizer resizes the system partition around the recovery partition.
type Sizer interface {
	ResizeForRecovery(ctx context.Context, sys *system.Partition, requiredMin int64)
	Reclaim(ctx context.Context, sys *system.Partition)
}

// PartitionManager creates and removes recovery partitions.
type PartitionManager interface {
	Create(ctx context.Context, disk system.Disk) (system.Partition, string, error)
	Remove(ctx context.Context, part system.Partition) error
	ReleaseLetter(ctx context.Context, part system.Partition, letter string)
}

// BackupTaker captures recovery-partition contents.
type BackupTaker interface {
	Capture(ctx context.Context, ref pathspec.Ref, parts []system.Partition) (*backup.RecoveryImage, error)
}

// Restorer applies a captured backup and verifies it.
type Restorer interface {
	Restore(ctx context.Context, img *backup.RecoveryImage, destRoot string) error
}

// BootRepairer rewrites the loader's ramdisk entries.
type BootRepairer interface {
	Repair(ctx context.Context, letter string) error
}

// REControl drives the recovery environment.
type REControl interface {
	Info(ctx context.Context) (system.REInfo, error)
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	SetImage(ctx context.Context, dir string) error
}

// MediaSource extracts a recovery image from installation media.
type MediaSource interface {
	ExtractWinRE(ctx context.Context, mediaPath string, index int, destDir string) (string, error)
}

// Session is one relocation run.
type Session struct {
	Cfg     *config.Config
	Log     *logging.Logger
	R       system.Runner
	Confirm prompt.Func
	Report  *reporting.Report

	Inventory InventoryTaker
	Sizing    Sizer
	Parts     PartitionManager
	Backup    BackupTaker
	Restore   Restorer
	Boot      BootRepairer
	RE        REControl
	Media     MediaSource

	// Test seams; nil means the real implementation.
	Stat       func(string) (os.FileInfo, error)
	CopyFile   func(src, dst string) error
	DigestFile func(string) (digest.Digest, error)
	Phantoms   func() ([]string, error)

	state State

	// letters assigned during the run that still need releasing, keyed
	// by partition.
	pending []pendingLetter
}

type pendingLetter struct {
	part   system.Partition
	letter string
}

// NewSession wires a session against the live system.
func NewSession(cfg *config.Config, logger *logging.Logger, r system.Runner, confirm prompt.Func, dryRun bool) *Session {
	ext := sizing.Normalize(cfg.Recovery.ExtendedSize)
	return &Session{
		Cfg:     cfg,
		Log:     logger,
		R:       r,
		Confirm: confirm,
		Report:  reporting.NewReport(dryRun),

		Inventory: &inventory.Service{R: r, Log: logger, PreferredLetter: cfg.Recovery.Letter},
		Sizing:    &sizing.Engine{R: r, Log: logger, Confirm: confirm, ExtendedSize: ext},
		Parts:     &partition.Creator{R: r, Log: logger, PreferredLetter: cfg.Recovery.Letter},
		Backup: &backup.Service{
			R: r, Log: logger,
			BackupDir:       cfg.Recovery.BackupDir,
			PreferredLetter: cfg.Recovery.Letter,
		},
		Restore: &restore.Service{R: r, Log: logger},
		Boot:    bootcfg.Repairer{R: r, Log: logger},
		RE:      system.WinRE{R: r},
		Media:   backup.Media{R: r, Log: logger},
	}
}

func (s *Session) stat(path string) (os.FileInfo, error) {
	if s.Stat != nil {
		return s.Stat(path)
	}
	return os.Stat(path)
}

func (s *Session) copyFile(src, dst string) error {
	if s.CopyFile != nil {
		return s.CopyFile(src, dst)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func (s *Session) digestFile(path string) (digest.Digest, error) {
	if s.DigestFile != nil {
		return s.DigestFile(path)
	}
	return backup.FileDigest(path)
}

func (s *Session) step(name, status, detail string) {
	if s.Report != nil {
		s.Report.Step(name, status, detail)
	}
}

func (s *Session) stepError(name string, err error) {
	if s.Report != nil {
		s.Report.StepError(name, err)
	}
}

// Run executes the relocation. The finalize phase runs even when a branch
// aborts, so transient letters never outlive the run silently.
func (s *Session) Run(ctx context.Context) (err error) {
	if err := s.advance(StateInventoried); err != nil {
		return err
	}

	snap, err := s.Inventory.Take(ctx)
	if err != nil {
		s.stepError("inventory", err)
		return err
	}
	s.step("inventory", reporting.StatusCompleted,
		fmt.Sprintf("system partition %d on disk %d", snap.System.PartitionNumber, snap.System.DiskNumber))

	re, err := s.RE.Info(ctx)
	if err != nil {
		s.stepError("environment-query", err)
		return err
	}
	if s.Report != nil {
		s.Report.Recovery.Enabled = re.Enabled
		s.Report.Recovery.Location = re.Location
		s.Report.Recovery.BCDIdentifier = re.BCDIdentifier
	}

	defer s.finalize(ctx)

	// Tool invocations block; phase boundaries are where a signal can
	// take effect.
	if err := ctx.Err(); err != nil {
		return err
	}

	if re.Enabled {
		if s.Report != nil {
			s.Report.Branch = "enabled"
		}
		if err := s.advance(StateEnabledBranch); err != nil {
			return err
		}
		return s.runEnabled(ctx, snap, re)
	}

	if s.Report != nil {
		s.Report.Branch = "disabled"
	}
	if err := s.advance(StateDisabledBranch); err != nil {
		return err
	}
	return s.runDisabled(ctx, snap)
}

// runEnabled relocates a live recovery environment: capture, disable,
// replace the partition, restore, re-register and repair the loader.
func (s *Session) runEnabled(ctx context.Context, snap *inventory.Snapshot, re system.REInfo) error {
	ref, err := pathspec.Parse(re.Location)
	if err != nil {
		return fmt.Errorf("environment location %q not understood: %w", re.Location, err)
	}

	target, err := s.Inventory.SelectTarget(ctx, snap, s.Confirm)
	if err != nil {
		return err
	}
	if target == nil {
		s.Log.Log("INFO", "No relocation target accepted, reporting current state only")
		if s.Report != nil {
			s.Report.Branch = "report-only"
		}
		s.step("target-selection", reporting.StatusSkipped, "no candidate accepted")
		return nil
	}
	if target.Transient {
		// Only letters the run itself assigned are released again; a
		// permanent letter belongs to the operator.
		s.pending = append(s.pending, pendingLetter{part: target.Partition, letter: target.Letter})
	}
	s.step("target-selection", reporting.StatusCompleted,
		fmt.Sprintf("partition %d on disk %d", target.Partition.PartitionNumber, target.Partition.DiskNumber))

	img, err := s.Backup.Capture(ctx, ref, snap.Partitions)
	if err != nil {
		s.stepError("backup", err)
		return err
	}
	if img == nil {
		// An empty partition leaves nothing to reinstall after the
		// surgery; the run stops before any destructive step.
		s.Log.Log("WARN", "Recovery partition holds no image, nothing to relocate")
		s.step("backup", reporting.StatusSkipped, "no recovery image on source")
		return nil
	}
	s.step("backup", reporting.StatusCompleted, img.Path)
	if s.Report != nil {
		s.Report.Recovery.BackupPath = img.Path
		s.Report.Recovery.BackupDigest = img.Digest.String()
	}

	if err := s.RE.Disable(ctx); err != nil {
		s.stepError("environment-disable", err)
		return err
	}
	s.step("environment-disable", reporting.StatusCompleted, "")

	oldSize := target.Partition.Size
	if err := s.Parts.Remove(ctx, target.Partition); err != nil {
		s.stepError("partition-remove", err)
		return err
	}
	s.dropPending(target.Partition)
	s.step("partition-remove", reporting.StatusCompleted, fmt.Sprintf("%d bytes reclaimed", oldSize))

	s.Sizing.ResizeForRecovery(ctx, &snap.System, oldSize)

	part, letter, err := s.Parts.Create(ctx, snap.Disk)
	if err != nil {
		s.stepError("partition-create", err)
		return err
	}
	s.pending = append(s.pending, pendingLetter{part: part, letter: letter})
	s.step("partition-create", reporting.StatusCompleted,
		fmt.Sprintf("partition %d, letter %s", part.PartitionNumber, letter))
	if s.Report != nil {
		s.Report.Recovery.DriveLetter = letter
		s.Report.Recovery.PartitionSize = part.Size
	}

	if err := s.Restore.Restore(ctx, img, letter+`:\`); err != nil {
		s.stepError("restore", err)
		if errors.Is(err, restore.ErrDigestMismatch) {
			s.Log.Log("ERROR", "Aborting: restored contents failed verification, environment stays disabled",
				"backup", img.Path)
		}
		return err
	}
	s.step("restore", reporting.StatusCompleted, img.Digest.String())
	if s.Report != nil {
		s.Report.Recovery.RestoredDigest = img.Digest.String()
	}

	winreDir := filepath.Join(letter+`:\`, "Recovery", "WindowsRE")
	if err := s.RE.SetImage(ctx, winreDir); err != nil {
		s.stepError("environment-register", err)
		return err
	}
	if err := s.RE.Enable(ctx); err != nil {
		s.stepError("environment-enable", err)
		return err
	}
	s.step("environment-enable", reporting.StatusCompleted, winreDir)
	if s.Report != nil {
		s.Report.Recovery.Enabled = true
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.advance(StateRepaired); err != nil {
		return err
	}
	if err := s.Boot.Repair(ctx, letter); err != nil {
		s.stepError("boot-repair", err)
		return err
	}
	s.step("boot-repair", reporting.StatusCompleted, "")

	// With the environment enabled again the letter has served its
	// purpose; the finalize sweep releases it.

	s.deleteBackupIfRequested(img)
	s.Sizing.Reclaim(ctx, &snap.System)
	return nil
}

// runDisabled installs a fresh recovery partition from the staged system
// copy or from installation media, then enables the environment.
func (s *Session) runDisabled(ctx context.Context, snap *inventory.Snapshot) error {
	source, err := s.locateSourceImage(ctx)
	if err != nil {
		s.stepError("image-source", err)
		return err
	}
	info, err := s.stat(source)
	if err != nil {
		return fmt.Errorf("source image %s unreadable: %w", source, err)
	}
	s.step("image-source", reporting.StatusCompleted, source)

	// A stale marker partition from a previous install would shadow the
	// new one; offer to discard it first.
	stale, err := s.Inventory.SelectTarget(ctx, snap, s.Confirm)
	if err != nil {
		return err
	}
	if stale != nil {
		if err := s.Parts.Remove(ctx, stale.Partition); err != nil {
			s.stepError("stale-partition-remove", err)
			return err
		}
		s.step("stale-partition-remove", reporting.StatusCompleted,
			fmt.Sprintf("partition %d on disk %d", stale.Partition.PartitionNumber, stale.Partition.DiskNumber))
	}

	required := info.Size() + sizing.MediaImageMargin
	s.Sizing.ResizeForRecovery(ctx, &snap.System, required)

	part, letter, err := s.Parts.Create(ctx, snap.Disk)
	if err != nil {
		s.stepError("partition-create", err)
		return err
	}
	s.pending = append(s.pending, pendingLetter{part: part, letter: letter})
	s.step("partition-create", reporting.StatusCompleted,
		fmt.Sprintf("partition %d, letter %s", part.PartitionNumber, letter))
	if s.Report != nil {
		s.Report.Recovery.DriveLetter = letter
		s.Report.Recovery.PartitionSize = part.Size
	}

	winreDir := filepath.Join(letter+`:\`, "Recovery", "WindowsRE")
	dest := filepath.Join(winreDir, "Winre.wim")
	if err := s.copyFile(source, dest); err != nil {
		s.stepError("image-install", err)
		return fmt.Errorf("cannot install recovery image: %w", err)
	}
	s.step("image-install", reporting.StatusCompleted, dest)

	if err := s.RE.SetImage(ctx, winreDir); err != nil {
		s.stepError("environment-register", err)
		return err
	}
	if err := s.RE.Enable(ctx); err != nil {
		s.stepError("environment-enable", err)
		return err
	}
	s.step("environment-enable", reporting.StatusCompleted, winreDir)
	if s.Report != nil {
		s.Report.Recovery.Enabled = true
	}

	// The copy already succeeded; a differing digest here points at
	// storage trouble, not at a bad run, so it only warns.
	if want, err := s.digestFile(source); err == nil {
		if got, err := s.digestFile(dest); err == nil && got != want {
			s.Log.Log("WARN", "Installed image digest differs from source",
				"source", want.String(), "installed", got.String())
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.advance(StateRepaired); err != nil {
		return err
	}

	// The enable wrote the loader configuration; the installed partition
	// keeps its letter so the operator can inspect the result.
	s.dropPendingLetter(letter)

	s.Sizing.Reclaim(ctx, &snap.System)
	return nil
}

// locateSourceImage prefers the copy staged on the system drive and falls
// back to extracting from configured installation media.
func (s *Session) locateSourceImage(ctx context.Context) (string, error) {
	staged := filepath.Join(system.WindowsDir(), "System32", "Recovery", "Winre.wim")
	if _, err := s.stat(staged); err == nil {
		s.Log.Log("INFO", "Using recovery image staged on the system drive", "file", staged)
		return staged, nil
	}

	if s.Cfg.Recovery.MediaPath == "" {
		return "", ErrNoRecoveryImage
	}

	dest := filepath.Join(s.Cfg.Recovery.BackupDir, "media-staging")
	return s.Media.ExtractWinRE(ctx, s.Cfg.Recovery.MediaPath, s.Cfg.Recovery.MediaImageIndex, dest)
}

func (s *Session) deleteBackupIfRequested(img *backup.RecoveryImage) {
	if !s.Cfg.Recovery.DeleteBackup {
		s.Log.Log("INFO", "Backup retained", "backup", img.Path)
		return
	}
	if !s.Confirm(fmt.Sprintf("Delete the verified backup %s?", img.Path)) {
		s.Log.Log("INFO", "Backup retained on operator request", "backup", img.Path)
		return
	}
	if err := os.Remove(img.Path); err != nil {
		s.Log.Log("WARN", "Cannot delete backup", "backup", img.Path, "error", err.Error())
		return
	}
	s.Log.Log("INFO", "Backup deleted", "backup", img.Path)
}

func (s *Session) dropPending(part system.Partition) {
	for i, p := range s.pending {
		if p.part.DiskNumber == part.DiskNumber && p.part.PartitionNumber == part.PartitionNumber {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Session) dropPendingLetter(letter string) {
	for i, p := range s.pending {
		if p.letter == letter {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}
