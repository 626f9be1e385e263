// Package sizing computes system-partition resize targets around a
// recovery partition of configurable size.
package sizing

import (
	"context"
	"fmt"

	"relocare/internal/logging"
	"relocare/internal/prompt"
	"relocare/internal/system"
)

const (
	MiB = int64(1) << 20

	// RecommendedMinimum is the platform-recommended recovery size.
	RecommendedMinimum = 990 * MiB

	// ResizeMargin keeps resizes clear of filesystem-cluster rounding.
	// Fixed at 1 MiB; not configurable.
	ResizeMargin = 1 * MiB

	// MediaImageMargin is added on top of the image size when computing
	// the minimum requirement for a freshly extracted recovery image.
	MediaImageMargin = 300 * MiB
)

// Normalize treats magnitudes below 1 MiB as a count of megabytes, so 600
// means 600 MiB. Values at or above 1 MiB pass through unchanged.
func Normalize(size int64) int64 {
	if size > 0 && size < MiB {
		return size * MiB
	}
	return size
}

// Effective is the recovery-partition target size before the
// recommendation round-up.
func Effective(extended, requiredMin int64) int64 {
	e := Normalize(extended)
	if requiredMin > e {
		return requiredMin
	}
	return e
}

// Target is the system-partition size leaving room for the recovery
// partition plus the safety margin.
func Target(maxSupported, recoverySize int64) int64 {
	return maxSupported - recoverySize - ResizeMargin
}

// NeedsResize reports whether a resize is worth performing. Differences
// within the margin are spurious no-ops.
func NeedsResize(current, target int64) bool {
	diff := current - target
	if diff < 0 {
		diff = -diff
	}
	return diff > ResizeMargin
}

// Engine applies sizing decisions to the system partition.
type Engine struct {
	R            system.Runner
	Log          *logging.Logger
	Confirm      prompt.Func
	ExtendedSize int64
}

// ResizeForRecovery shrinks (or grows) the system partition so that
// requiredMin bytes of recovery space fit behind it. When the computed
// size falls short of the platform recommendation the operator may round
// up. A resize failure is a warning, not an error: a restorable backup
// may still exist even though the exact new partition cannot be carved.
func (e *Engine) ResizeForRecovery(ctx context.Context, sys *system.Partition, requiredMin int64) {
	recovery := Effective(e.ExtendedSize, requiredMin)
	if recovery < RecommendedMinimum {
		q := fmt.Sprintf("Recovery size %d MiB is below the recommended %d MiB. Round up to the recommendation?",
			recovery/MiB, RecommendedMinimum/MiB)
		if e.Confirm(q) {
			recovery = RecommendedMinimum
		}
	}
	e.resize(ctx, sys, recovery)
}

// Reclaim grows the system partition back over any remaining free space,
// keeping only the safety margin.
func (e *Engine) Reclaim(ctx context.Context, sys *system.Partition) {
	e.resize(ctx, sys, 0)
}

func (e *Engine) resize(ctx context.Context, sys *system.Partition, recoverySize int64) {
	_, max, err := system.PartitionSupportedSize(ctx, e.R, sys.DiskNumber, sys.PartitionNumber)
	if err != nil {
		e.Log.Log("WARN", "Cannot query supported partition size, skipping resize", "error", err.Error())
		return
	}

	target := Target(max, recoverySize)
	if !NeedsResize(sys.Size, target) {
		e.Log.Log("INFO", "System partition already within margin of target size",
			"current", sys.Size, "target", target)
		return
	}

	e.Log.Log("INFO", "Resizing system partition",
		"current", sys.Size, "target", target, "recovery_size", recoverySize)
	if err := system.ResizePartition(ctx, e.R, sys.DiskNumber, sys.PartitionNumber, target); err != nil {
		e.Log.Log("WARN", "System partition resize failed, continuing", "error", err.Error())
		return
	}
	sys.Size = target
}
