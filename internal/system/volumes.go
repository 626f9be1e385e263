package system

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// LogicalLetters returns every drive letter currently present in the
// global drive-letter namespace.
func LogicalLetters() ([]string, error) {
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return nil, fmt.Errorf("drive bitmap query failed: %w", err)
	}

	var letters []string
	for c := 0; c < 26; c++ {
		if mask&(1<<c) != 0 {
			letters = append(letters, string(rune('A'+c)))
		}
	}
	return letters, nil
}

// LetterInUse reports whether a drive letter is already assigned.
func LetterInUse(letter string) (bool, error) {
	if len(letter) != 1 {
		return false, fmt.Errorf("invalid drive letter %q", letter)
	}
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return false, fmt.Errorf("drive bitmap query failed: %w", err)
	}
	bit := uint32(1) << uint32(letter[0]-'A')
	return mask&bit != 0, nil
}

// FreeLetter picks an unassigned drive letter, preferring the requested
// one and otherwise scanning from Z downward. A, B and C are never used.
func FreeLetter(preferred string) (string, error) {
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return "", fmt.Errorf("drive bitmap query failed: %w", err)
	}

	free := func(l byte) bool {
		return mask&(uint32(1)<<uint32(l-'A')) == 0
	}

	if len(preferred) == 1 && preferred[0] >= 'D' && preferred[0] <= 'Z' && free(preferred[0]) {
		return preferred, nil
	}
	for l := byte('Z'); l >= 'D'; l-- {
		if free(l) {
			return string(l), nil
		}
	}
	return "", fmt.Errorf("no free drive letter available")
}

// PhantomLetters scans all single-letter mounts for entries whose letter
// is present in the namespace but has no backing volume. Such entries
// need a reboot to clear.
func PhantomLetters() ([]string, error) {
	letters, err := LogicalLetters()
	if err != nil {
		return nil, err
	}

	var phantoms []string
	buf := make([]uint16, 50)
	for _, l := range letters {
		if l == "A" || l == "B" {
			continue
		}
		root, err := windows.UTF16PtrFromString(l + `:\`)
		if err != nil {
			continue
		}
		if err := windows.GetVolumeNameForVolumeMountPoint(root, &buf[0], uint32(len(buf))); err != nil {
			phantoms = append(phantoms, l)
		}
	}
	return phantoms, nil
}

// DiskFreeSpace queries free and total bytes for a drive root like "C:\".
func DiskFreeSpace(root string) (free, total uint64, err error) {
	var freeBytesAvailable, totalBytes, freeBytes uint64
	err = windows.GetDiskFreeSpaceEx(
		windows.StringToUTF16Ptr(root),
		&freeBytesAvailable,
		&totalBytes,
		&freeBytes,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("free space query for %s failed: %w", root, err)
	}
	return freeBytes, totalBytes, nil
}
