// Package pathspec parses the three addressing forms a capture directory
// may arrive in and resolves each to a concrete partition.
package pathspec

import (
	"fmt"
	"strconv"
	"strings"

	"relocare/internal/system"
)

// Kind tags the address form of a parsed reference.
type Kind int

const (
	// Local is a drive-relative path like C:\Recovery\WindowsRE.
	Local Kind = iota
	// GlobalDevice is a low-level device path like
	// \\?\GLOBALROOT\device\harddisk0\partition4\Recovery\WindowsRE.
	GlobalDevice
	// VolumeGUID is a volume-identifier path like
	// \\?\Volume{guid}\Recovery\WindowsRE.
	VolumeGUID
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case GlobalDevice:
		return "global-device"
	case VolumeGUID:
		return "volume-guid"
	}
	return "unknown"
}

// Ref is a parsed capture-directory reference.
type Ref struct {
	Kind      Kind
	Drive     string // Local: drive letter without colon
	Disk      int    // GlobalDevice
	Partition int    // GlobalDevice
	GUID      string // VolumeGUID, normalized lowercase
	// Subpath is the path below the partition root, no leading backslash.
	Subpath string
}

// String renders the canonical form of the reference. Parsing the result
// yields an identical Ref.
func (r Ref) String() string {
	var root string
	switch r.Kind {
	case Local:
		root = r.Drive + ":"
	case GlobalDevice:
		root = fmt.Sprintf(`\\?\GLOBALROOT\device\harddisk%d\partition%d`, r.Disk, r.Partition)
	case VolumeGUID:
		root = fmt.Sprintf(`\\?\Volume{%s}`, r.GUID)
	}
	if r.Subpath == "" {
		return root
	}
	return root + `\` + r.Subpath
}

// Parse classifies a raw path into one of the three forms. The function is
// total over well-formed inputs of any form and rejects everything else.
func Parse(raw string) (Ref, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Ref{}, fmt.Errorf("empty path")
	}

	if rest, ok := cutPrefixFold(s, `\\?\GLOBALROOT\device\harddisk`); ok {
		return parseGlobalDevice(raw, rest)
	}
	if rest, ok := cutPrefixFold(s, `\\?\Volume{`); ok {
		return parseVolumeGUID(raw, rest)
	}
	if len(s) >= 2 && s[1] == ':' && isLetter(s[0]) {
		return Ref{
			Kind:    Local,
			Drive:   strings.ToUpper(s[:1]),
			Subpath: trimSubpath(s[2:]),
		}, nil
	}

	return Ref{}, fmt.Errorf("unrecognized path form: %q", raw)
}

func parseGlobalDevice(raw, rest string) (Ref, error) {
	diskDigits, rest := cutDigits(rest)
	if diskDigits == "" {
		return Ref{}, fmt.Errorf("global device path missing disk number: %q", raw)
	}
	rest, ok := cutPrefixFold(rest, `\partition`)
	if !ok {
		return Ref{}, fmt.Errorf("global device path missing partition segment: %q", raw)
	}
	partDigits, rest := cutDigits(rest)
	if partDigits == "" {
		return Ref{}, fmt.Errorf("global device path missing partition number: %q", raw)
	}

	disk, _ := strconv.Atoi(diskDigits)
	part, _ := strconv.Atoi(partDigits)
	return Ref{
		Kind:      GlobalDevice,
		Disk:      disk,
		Partition: part,
		Subpath:   trimSubpath(rest),
	}, nil
}

func parseVolumeGUID(raw, rest string) (Ref, error) {
	end := strings.Index(rest, "}")
	if end < 0 {
		return Ref{}, fmt.Errorf("volume path missing closing brace: %q", raw)
	}
	guid := strings.ToLower(rest[:end])
	if len(guid) != 36 {
		return Ref{}, fmt.Errorf("volume path has malformed GUID %q", guid)
	}
	return Ref{
		Kind:    VolumeGUID,
		GUID:    guid,
		Subpath: trimSubpath(rest[end+1:]),
	}, nil
}

// Resolve maps a reference onto one of the given partitions. Resolution is
// a pure lookup: resolving the same reference against the same partitions
// always yields the same target.
func Resolve(ref Ref, partitions []system.Partition) (system.Partition, error) {
	for _, p := range partitions {
		switch ref.Kind {
		case Local:
			if p.Letter() == ref.Drive || p.HasAccessPath(ref.Drive+":") {
				return p, nil
			}
		case GlobalDevice:
			if p.DiskNumber == ref.Disk && p.PartitionNumber == ref.Partition {
				return p, nil
			}
		case VolumeGUID:
			for _, ap := range p.AccessPaths {
				if strings.Contains(strings.ToLower(ap), "volume{"+ref.GUID+"}") {
					return p, nil
				}
			}
		}
	}
	return system.Partition{}, fmt.Errorf("no partition matches %s path %q", ref.Kind, ref.String())
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) {
		return s, false
	}
	if !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func cutDigits(s string) (digits, rest string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}

func trimSubpath(s string) string {
	return strings.Trim(strings.ReplaceAll(s, "/", `\`), `\`)
}

func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}
