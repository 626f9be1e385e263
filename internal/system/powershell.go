package system

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// The storage layer is queried through PowerShell storage cmdlets with
// ConvertTo-Json output, decoded into mirror structs. Structured output
// instead of scraping text columns.

const partitionSelect = `Select-Object DiskNumber,PartitionNumber,Offset,Size,GptType,MbrType,@{n='DriveLetter';e={[string]$_.DriveLetter}},AccessPaths`

func runPS(ctx context.Context, r Runner, command string) (string, error) {
	return r.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", command)
}

// decodeList tolerates the ConvertTo-Json quirk where a single-element
// result is emitted as an object instead of an array.
func decodeList[T any](data string) ([]T, error) {
	data = strings.TrimSpace(strings.TrimPrefix(data, "\ufeff"))
	if data == "" {
		return nil, nil
	}

	var list []T
	if err := json.Unmarshal([]byte(data), &list); err == nil {
		return list, nil
	}

	var single T
	if err := json.Unmarshal([]byte(data), &single); err != nil {
		return nil, fmt.Errorf("cannot decode tool output: %w", err)
	}
	return []T{single}, nil
}

// ListDisks enumerates all disks.
func ListDisks(ctx context.Context, r Runner) ([]Disk, error) {
	out, err := runPS(ctx, r, `Get-Disk | Select-Object Number,@{n='PartitionStyle';e={[string]$_.PartitionStyle}},Size,AllocatedSize | ConvertTo-Json`)
	if err != nil {
		return nil, fmt.Errorf("disk enumeration failed: %w", err)
	}
	return decodeList[Disk](out)
}

// GetDisk reads a single disk by number.
func GetDisk(ctx context.Context, r Runner, number int) (Disk, error) {
	out, err := runPS(ctx, r, fmt.Sprintf(`Get-Disk -Number %d | Select-Object Number,@{n='PartitionStyle';e={[string]$_.PartitionStyle}},Size,AllocatedSize | ConvertTo-Json`, number))
	if err != nil {
		return Disk{}, fmt.Errorf("disk %d query failed: %w", number, err)
	}
	disks, err := decodeList[Disk](out)
	if err != nil {
		return Disk{}, err
	}
	if len(disks) == 0 {
		return Disk{}, fmt.Errorf("disk %d not found", number)
	}
	return disks[0], nil
}

// ListPartitions enumerates partitions, all disks when diskNumber < 0.
func ListPartitions(ctx context.Context, r Runner, diskNumber int) ([]Partition, error) {
	cmd := `Get-Partition | ` + partitionSelect + ` | ConvertTo-Json -Depth 3`
	if diskNumber >= 0 {
		cmd = fmt.Sprintf(`Get-Partition -DiskNumber %d | `, diskNumber) + partitionSelect + ` | ConvertTo-Json -Depth 3`
	}
	out, err := runPS(ctx, r, cmd)
	if err != nil {
		return nil, fmt.Errorf("partition enumeration failed: %w", err)
	}
	return decodeList[Partition](out)
}

// GetPartition reads a single partition.
func GetPartition(ctx context.Context, r Runner, disk, part int) (Partition, error) {
	cmd := fmt.Sprintf(`Get-Partition -DiskNumber %d -PartitionNumber %d | `, disk, part) + partitionSelect + ` | ConvertTo-Json -Depth 3`
	out, err := runPS(ctx, r, cmd)
	if err != nil {
		return Partition{}, fmt.Errorf("partition %d/%d query failed: %w", disk, part, err)
	}
	parts, err := decodeList[Partition](out)
	if err != nil {
		return Partition{}, err
	}
	if len(parts) == 0 {
		return Partition{}, fmt.Errorf("partition %d on disk %d not found", part, disk)
	}
	return parts[0], nil
}

// ListVolumes enumerates volumes with their health state.
func ListVolumes(ctx context.Context, r Runner) ([]Volume, error) {
	out, err := runPS(ctx, r, `Get-Volume | Select-Object @{n='DriveLetter';e={[string]$_.DriveLetter}},@{n='HealthStatus';e={[string]$_.HealthStatus}},Path | ConvertTo-Json`)
	if err != nil {
		return nil, fmt.Errorf("volume enumeration failed: %w", err)
	}
	return decodeList[Volume](out)
}

// PartitionSupportedSize queries the size range a partition can be resized
// to at its current offset.
func PartitionSupportedSize(ctx context.Context, r Runner, disk, part int) (min, max int64, err error) {
	out, err := runPS(ctx, r, fmt.Sprintf(`Get-PartitionSupportedSize -DiskNumber %d -PartitionNumber %d | Select-Object SizeMin,SizeMax | ConvertTo-Json`, disk, part))
	if err != nil {
		return 0, 0, fmt.Errorf("supported size query failed: %w", err)
	}
	type sizes struct {
		SizeMin int64 `json:"SizeMin"`
		SizeMax int64 `json:"SizeMax"`
	}
	res, err := decodeList[sizes](out)
	if err != nil {
		return 0, 0, err
	}
	if len(res) == 0 {
		return 0, 0, fmt.Errorf("no supported size reported for partition %d/%d", disk, part)
	}
	return res[0].SizeMin, res[0].SizeMax, nil
}

// ResizePartition resizes a partition to the given byte size.
func ResizePartition(ctx context.Context, r Runner, disk, part int, size int64) error {
	_, err := runPS(ctx, r, fmt.Sprintf(`Resize-Partition -DiskNumber %d -PartitionNumber %d -Size %d`, disk, part, size))
	if err != nil {
		return fmt.Errorf("resize of partition %d/%d to %d bytes failed: %w", disk, part, size, err)
	}
	return nil
}

// CreatePartition allocates a new partition spanning all free space at the
// disk end. No explicit size: the engine cannot compute exact geometry from
// the information available, so maximum size is used by design.
func CreatePartition(ctx context.Context, r Runner, disk int, hidden bool) (Partition, error) {
	flags := "-UseMaximumSize"
	if hidden {
		flags += " -IsHidden"
	}
	cmd := fmt.Sprintf(`New-Partition -DiskNumber %d %s | `, disk, flags) + partitionSelect + ` | ConvertTo-Json -Depth 3`
	out, err := runPS(ctx, r, cmd)
	if err != nil {
		return Partition{}, fmt.Errorf("partition creation on disk %d failed: %w", disk, err)
	}
	parts, err := decodeList[Partition](out)
	if err != nil {
		return Partition{}, err
	}
	if len(parts) == 0 {
		return Partition{}, fmt.Errorf("partition creation on disk %d returned no partition", disk)
	}
	return parts[0], nil
}

// DeletePartition removes a partition.
func DeletePartition(ctx context.Context, r Runner, disk, part int) error {
	_, err := runPS(ctx, r, fmt.Sprintf(`Remove-Partition -DiskNumber %d -PartitionNumber %d -Confirm:$false`, disk, part))
	if err != nil {
		return fmt.Errorf("removal of partition %d/%d failed: %w", disk, part, err)
	}
	return nil
}

// FormatPartition formats a partition as NTFS.
func FormatPartition(ctx context.Context, r Runner, disk, part int) error {
	_, err := runPS(ctx, r, fmt.Sprintf(`Get-Partition -DiskNumber %d -PartitionNumber %d | Format-Volume -FileSystem NTFS -NewFileSystemLabel 'Recovery' -Confirm:$false | Out-Null`, disk, part))
	if err != nil {
		return fmt.Errorf("format of partition %d/%d failed: %w", disk, part, err)
	}
	return nil
}

// AddAccessPath assigns a drive letter to a partition.
func AddAccessPath(ctx context.Context, r Runner, disk, part int, letter string) error {
	_, err := runPS(ctx, r, fmt.Sprintf(`Add-PartitionAccessPath -DiskNumber %d -PartitionNumber %d -AccessPath '%s:\'`, disk, part, letter))
	if err != nil {
		return fmt.Errorf("assigning letter %s to partition %d/%d failed: %w", letter, disk, part, err)
	}
	return nil
}

// RemoveAccessPath releases a drive letter from a partition.
func RemoveAccessPath(ctx context.Context, r Runner, disk, part int, letter string) error {
	_, err := runPS(ctx, r, fmt.Sprintf(`Remove-PartitionAccessPath -DiskNumber %d -PartitionNumber %d -AccessPath '%s:\'`, disk, part, letter))
	if err != nil {
		return fmt.Errorf("releasing letter %s from partition %d/%d failed: %w", letter, disk, part, err)
	}
	return nil
}
