package system

import (
	"context"
	"fmt"
	"strings"
)

// Reclassifying a partition as recovery storage needs the lower-level
// tool: on GPT the platform-required attribute bit has no cmdlet
// equivalent, and without it the platform does not recognize the
// partition as bootable recovery storage.

// BuildRecoveryTypeScript renders the diskpart script that stamps the
// recovery type marker onto a partition.
func BuildRecoveryTypeScript(partitionStyle string, disk, part int) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "select disk %d\n", disk)
	fmt.Fprintf(&b, "select partition %d\n", part)

	switch strings.ToUpper(partitionStyle) {
	case "GPT":
		fmt.Fprintf(&b, "set id=%s override\n", GPTRecoveryType)
		fmt.Fprintf(&b, "gpt attributes=%s\n", GPTRecoveryAttributes)
	case "MBR":
		fmt.Fprintf(&b, "set id=%02x override\n", MBRRecoveryType)
	default:
		return "", fmt.Errorf("unknown partition style %q", partitionStyle)
	}

	b.WriteString("exit\n")
	return b.String(), nil
}

// SetRecoveryType runs the rendered script through a scripted diskpart
// session.
func SetRecoveryType(ctx context.Context, r Runner, partitionStyle string, disk, part int) error {
	script, err := BuildRecoveryTypeScript(partitionStyle, disk, part)
	if err != nil {
		return err
	}
	if _, err := r.RunInput(ctx, script, "diskpart"); err != nil {
		return fmt.Errorf("type marking of partition %d/%d failed: %w", disk, part, err)
	}
	return nil
}
