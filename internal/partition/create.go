// Package partition creates and removes recovery partitions. Creation
// claims all free space at the disk end, types the partition as recovery
// and lays out the expected directory skeleton.
package partition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"relocare/internal/logging"
	"relocare/internal/system"
)

// Creator builds new recovery partitions.
type Creator struct {
	R               system.Runner
	Log             *logging.Logger
	PreferredLetter string

	// Test seams; nil means the real implementation.
	FreeLetter func(preferred string) (string, error)
	Mkdir      func(path string) error
	Quiesce    func(ctx context.Context)
}

func (c *Creator) freeLetter() (string, error) {
	if c.FreeLetter != nil {
		return c.FreeLetter(c.PreferredLetter)
	}
	return system.FreeLetter(c.PreferredLetter)
}

func (c *Creator) mkdir(path string) error {
	if c.Mkdir != nil {
		return c.Mkdir(path)
	}
	return os.MkdirAll(path, 0755)
}

// Create allocates a maximum-size partition in the free space at the end
// of the disk, types it as a recovery partition for the disk's partition
// style and prepares the directory skeleton. The returned letter stays
// assigned; the caller releases it once the partition is populated.
func (c *Creator) Create(ctx context.Context, disk system.Disk) (system.Partition, string, error) {
	// The storage service can hold stale volume state that makes the new
	// partition invisible or unformattable. Restart it before touching
	// the partition table.
	if c.Quiesce != nil {
		c.Quiesce(ctx)
	} else {
		system.QuiesceStorageService(ctx, c.R, c.Log)
	}

	style := disk.PartitionStyle
	c.Log.Log("INFO", "Creating recovery partition in trailing free space",
		"disk", disk.Number, "style", style, "free", disk.FreeSpace())

	var part system.Partition
	var err error
	switch style {
	case "GPT":
		// Hidden at creation so no shell popup appears before the type
		// and attributes are set.
		part, err = system.CreatePartition(ctx, c.R, disk.Number, true)
		if err != nil {
			return system.Partition{}, "", err
		}
		if err := system.FormatPartition(ctx, c.R, disk.Number, part.PartitionNumber); err != nil {
			return system.Partition{}, "", err
		}
		if err := system.SetRecoveryType(ctx, c.R, style, disk.Number, part.PartitionNumber); err != nil {
			return system.Partition{}, "", err
		}
	case "MBR":
		part, err = system.CreatePartition(ctx, c.R, disk.Number, false)
		if err != nil {
			return system.Partition{}, "", err
		}
		if err := system.SetRecoveryType(ctx, c.R, style, disk.Number, part.PartitionNumber); err != nil {
			return system.Partition{}, "", err
		}
		if err := system.FormatPartition(ctx, c.R, disk.Number, part.PartitionNumber); err != nil {
			return system.Partition{}, "", err
		}
	default:
		return system.Partition{}, "", fmt.Errorf("disk %d has unsupported partition style %q", disk.Number, style)
	}

	letter, err := c.freeLetter()
	if err != nil {
		return system.Partition{}, "", fmt.Errorf("no free letter for new recovery partition: %w", err)
	}
	if err := system.AddAccessPath(ctx, c.R, disk.Number, part.PartitionNumber, letter); err != nil {
		return system.Partition{}, "", err
	}

	for _, dir := range []string{
		filepath.Join(letter+`:\`, "Recovery", "WindowsRE"),
		filepath.Join(letter+`:\`, "Recovery", "Logs"),
	} {
		if err := c.mkdir(dir); err != nil {
			return system.Partition{}, "", fmt.Errorf("cannot prepare %s: %w", dir, err)
		}
	}

	c.Log.Log("INFO", "Recovery partition created",
		"disk", disk.Number, "partition", part.PartitionNumber, "letter", letter, "size", part.Size)
	return part, letter, nil
}

// Remove deletes a partition and logs the reclaimed space.
func (c *Creator) Remove(ctx context.Context, part system.Partition) error {
	c.Log.Log("INFO", "Removing partition",
		"disk", part.DiskNumber, "partition", part.PartitionNumber, "size", part.Size)
	return system.DeletePartition(ctx, c.R, part.DiskNumber, part.PartitionNumber)
}

// ReleaseLetter drops the drive letter assigned by Create.
func (c *Creator) ReleaseLetter(ctx context.Context, part system.Partition, letter string) {
	if err := system.RemoveAccessPath(ctx, c.R, part.DiskNumber, part.PartitionNumber, letter); err != nil {
		c.Log.Log("WARN", "Cannot release drive letter", "letter", letter, "error", err.Error())
	}
}
