package system

import (
	"context"
	"fmt"
	"strings"
)

// RamdiskOptionsID is the well-known options entry referenced by ramdisk
// boot entries.
const RamdiskOptionsID = "{ramdiskoptions}"

// BCD reads and mutates the boot configuration store through bcdedit.
type BCD struct {
	R Runner
}

// Enum reads one entry into a key/value map. Keys are the first token of
// each data line ("device", "osdevice", "ramdisksdipath", ...).
func (b BCD) Enum(ctx context.Context, id string) (map[string]string, error) {
	out, err := b.R.Run(ctx, "bcdedit", "/enum", id)
	if err != nil {
		return nil, fmt.Errorf("boot entry %s enumeration failed: %w", id, err)
	}
	entry := parseBCDEntry(out)
	if len(entry) == 0 {
		return nil, fmt.Errorf("boot entry %s: no fields in bcdedit output", id)
	}
	return entry, nil
}

// Set writes one field of one entry.
func (b BCD) Set(ctx context.Context, id, field, value string) error {
	if _, err := b.R.Run(ctx, "bcdedit", "/set", id, field, value); err != nil {
		return fmt.Errorf("setting %s on boot entry %s failed: %w", field, id, err)
	}
	return nil
}

// EnsureRamdiskOptions creates the {ramdiskoptions} entry when the store
// does not have one yet.
func (b BCD) EnsureRamdiskOptions(ctx context.Context) error {
	if _, err := b.Enum(ctx, RamdiskOptionsID); err == nil {
		return nil
	}
	if _, err := b.R.Run(ctx, "bcdedit", "/create", RamdiskOptionsID, "/d", "Ramdisk Options"); err != nil {
		return fmt.Errorf("creating %s entry failed: %w", RamdiskOptionsID, err)
	}
	return nil
}

// parseBCDEntry parses bcdedit's two-column layout: a header line, a dashed
// separator, then "key<spaces>value" lines where the value may contain
// spaces. Blank lines and the header are skipped.
func parseBCDEntry(output string) map[string]string {
	entry := make(map[string]string)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		// Continuation lines are indented; fold them into nothing rather
		// than inventing keys.
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := fields[0]
		value := strings.TrimSpace(line[len(key):])
		// Header line like "Windows Boot Loader" has no lowercase key.
		if key != strings.ToLower(key) {
			continue
		}
		entry[key] = value
	}

	return entry
}
