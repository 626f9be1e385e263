package system

import "strings"

const (
	// GPT partition type GUID marking Windows recovery storage.
	GPTRecoveryType = "de94bba4-06d1-4d40-a16a-bfd50179d6ac"
	// MBR partition type byte marking Windows recovery storage.
	MBRRecoveryType = 0x27
	// Platform-required attribute bit set on GPT recovery partitions. It
	// has no storage-cmdlet equivalent and must go through diskpart.
	GPTRecoveryAttributes = "0x8000000000000001"
)

// Disk mirrors the fields read from Get-Disk.
type Disk struct {
	Number         int    `json:"Number"`
	PartitionStyle string `json:"PartitionStyle"` // GPT or MBR
	Size           int64  `json:"Size"`
	AllocatedSize  int64  `json:"AllocatedSize"`
}

// FreeSpace is the unallocated tail of the disk. Free space is assumed
// contiguous at the disk end.
func (d Disk) FreeSpace() int64 {
	return d.Size - d.AllocatedSize
}

// Partition mirrors the fields read from Get-Partition.
type Partition struct {
	DiskNumber      int      `json:"DiskNumber"`
	PartitionNumber int      `json:"PartitionNumber"`
	Offset          int64    `json:"Offset"`
	Size            int64    `json:"Size"`
	GptType         string   `json:"GptType"`
	MbrType         int      `json:"MbrType"`
	DriveLetter     string   `json:"DriveLetter"`
	AccessPaths     []string `json:"AccessPaths"`
}

// IsRecovery classifies a partition by its on-disk type marker only,
// never by its contents.
func (p Partition) IsRecovery() bool {
	if p.MbrType == MBRRecoveryType {
		return true
	}
	return NormalizeGUID(p.GptType) == GPTRecoveryType
}

// Letter returns the partition's drive letter, empty when none assigned.
func (p Partition) Letter() string {
	l := strings.ToUpper(strings.TrimSpace(p.DriveLetter))
	if len(l) != 1 || l[0] < 'A' || l[0] > 'Z' {
		return ""
	}
	return l
}

// RootPath returns the drive root ("R:\") or empty when no letter exists.
func (p Partition) RootPath() string {
	l := p.Letter()
	if l == "" {
		return ""
	}
	return l + `:\`
}

// HasAccessPath reports whether any access path matches the given one,
// ignoring case and trailing backslashes.
func (p Partition) HasAccessPath(path string) bool {
	want := strings.ToUpper(strings.TrimRight(path, `\`))
	for _, ap := range p.AccessPaths {
		if strings.ToUpper(strings.TrimRight(ap, `\`)) == want {
			return true
		}
	}
	return false
}

// Volume mirrors the fields read from Get-Volume.
type Volume struct {
	DriveLetter  string `json:"DriveLetter"`
	HealthStatus string `json:"HealthStatus"`
	Path         string `json:"Path"`
}

// NormalizeGUID lowercases a GUID and strips surrounding braces.
func NormalizeGUID(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), "{}"))
}
