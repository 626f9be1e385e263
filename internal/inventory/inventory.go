// Package inventory reads disk and partition state and locates the system
// partition and candidate recovery partitions.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"relocare/internal/logging"
	"relocare/internal/prompt"
	"relocare/internal/system"
)

// ErrNoSystemPartition is fatal: without the system partition no
// relocation is possible.
var ErrNoSystemPartition = errors.New("system partition not found")

// Snapshot is the disk state a relocation run starts from.
type Snapshot struct {
	Disks      []system.Disk
	Partitions []system.Partition
	System     system.Partition
	Disk       system.Disk // disk owning the system partition
}

// Target is an accepted candidate recovery partition with its (possibly
// transient) drive letter.
type Target struct {
	Partition system.Partition
	Letter    string
	Transient bool
}

// Service enumerates and classifies partitions.
type Service struct {
	R               system.Runner
	Log             *logging.Logger
	PreferredLetter string

	// FreeLetter picks an unassigned drive letter. Defaults to the
	// global namespace scan.
	FreeLetter func(preferred string) (string, error)
	// Probe reports whether a drive root carries a recovery-like
	// directory structure. Defaults to a filesystem check.
	Probe func(root string) bool
}

func (s *Service) freeLetter() func(string) (string, error) {
	if s.FreeLetter != nil {
		return s.FreeLetter
	}
	return system.FreeLetter
}

func (s *Service) probe() func(string) bool {
	if s.Probe != nil {
		return s.Probe
	}
	return DirProbe
}

// DirProbe checks a drive root for the two known recovery layouts.
func DirProbe(root string) bool {
	for _, sub := range []string{
		filepath.Join(root, "Recovery", "WindowsRE"),
		filepath.Join(root, "WindowsRE"),
	} {
		if st, err := os.Stat(sub); err == nil && st.IsDir() {
			return true
		}
	}
	return false
}

// Take reads the current disk state and locates the system partition: the
// one whose access paths contain the current boot-volume path.
func (s *Service) Take(ctx context.Context) (*Snapshot, error) {
	disks, err := system.ListDisks(ctx, s.R)
	if err != nil {
		return nil, err
	}
	parts, err := system.ListPartitions(ctx, s.R, -1)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Disks: disks, Partitions: parts}

	bootDrive := system.SystemDrive()
	found := false
	for _, p := range parts {
		if p.Letter() == bootDrive || p.HasAccessPath(bootDrive+":") {
			snap.System = p
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("boot volume %s:\\ not backed by any partition: %w", bootDrive, ErrNoSystemPartition)
	}

	for _, d := range disks {
		if d.Number == snap.System.DiskNumber {
			snap.Disk = d
			break
		}
	}

	s.Log.Log("INFO", "Inventory taken",
		"disks", len(disks), "partitions", len(parts),
		"system_partition", snap.System.PartitionNumber, "system_disk", snap.System.DiskNumber)
	return snap, nil
}

// CandidatesAfter returns recovery-marked partitions on the system disk
// located strictly after the system partition. Partitions before the
// system partition are never candidates; misconfigured layouts are
// excluded by construction, not by detection.
func CandidatesAfter(snap *Snapshot) []system.Partition {
	var out []system.Partition
	for _, p := range snap.Partitions {
		if p.DiskNumber != snap.System.DiskNumber {
			continue
		}
		if !p.IsRecovery() {
			continue
		}
		if p.Offset <= snap.System.Offset {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SelectTarget walks the candidates, assigns a transient letter where
// needed, probes the content layout and asks the operator. The first
// accepted candidate wins; at most one target per run. Transient letters
// of rejected candidates are released immediately. A nil Target without
// error means no candidate was accepted.
func (s *Service) SelectTarget(ctx context.Context, snap *Snapshot, confirm prompt.Func) (*Target, error) {
	for _, cand := range CandidatesAfter(snap) {
		letter := cand.Letter()
		transient := false

		if letter == "" {
			l, err := s.freeLetter()(s.PreferredLetter)
			if err != nil {
				return nil, fmt.Errorf("no transient letter for candidate %d/%d: %w", cand.DiskNumber, cand.PartitionNumber, err)
			}
			if err := system.AddAccessPath(ctx, s.R, cand.DiskNumber, cand.PartitionNumber, l); err != nil {
				return nil, err
			}
			letter = l
			transient = true
		}

		hasStructure := s.probe()(letter + `:\`)
		q := fmt.Sprintf("Partition %d on disk %d (offset %d, %d MiB, letter %s:) carries the recovery type marker",
			cand.PartitionNumber, cand.DiskNumber, cand.Offset, cand.Size/(1<<20), letter)
		if hasStructure {
			q += " and a recovery directory structure"
		} else {
			q += " but no recovery directory structure"
		}
		q += ". Use it as the relocation target?"

		if confirm(q) {
			s.Log.Log("INFO", "Recovery target accepted",
				"disk", cand.DiskNumber, "partition", cand.PartitionNumber, "letter", letter, "transient", transient)
			return &Target{Partition: cand, Letter: letter, Transient: transient}, nil
		}

		if transient {
			if err := system.RemoveAccessPath(ctx, s.R, cand.DiskNumber, cand.PartitionNumber, letter); err != nil {
				s.Log.Log("WARN", "Cannot release transient letter of rejected candidate", "letter", letter, "error", err.Error())
			}
		}
	}

	return nil, nil
}
