// Package bootcfg points the boot configuration at a relocated recovery
// partition. Runs after enable attempts so the loader entry exists.
package bootcfg

import (
	"context"
	"fmt"

	"relocare/internal/logging"
	"relocare/internal/system"
)

const (
	sdiPath     = `\Recovery\WindowsRE\boot.sdi`
	winreSubdir = `\Recovery\WindowsRE\Winre.wim`
)

// Repairer rewrites the ramdisk boot entries for the recovery loader.
type Repairer struct {
	R   system.Runner
	Log *logging.Logger
}

// Repair points the recovery loader's ramdisk configuration at the
// partition behind letter. The loader entry GUID comes from the live
// environment record; there is no stable well-known value to fall back
// to.
func (p Repairer) Repair(ctx context.Context, letter string) error {
	winre := system.WinRE{R: p.R}
	info, err := winre.Info(ctx)
	if err != nil {
		return err
	}
	if info.BCDIdentifier == "" {
		return fmt.Errorf("recovery environment reports no loader entry, cannot repair boot configuration")
	}
	loaderID := info.BCDIdentifier

	bcd := system.BCD{R: p.R}
	if err := bcd.EnsureRamdiskOptions(ctx); err != nil {
		return err
	}

	device := fmt.Sprintf("partition=%s:", letter)
	if err := bcd.Set(ctx, system.RamdiskOptionsID, "ramdisksdidevice", device); err != nil {
		return err
	}
	if err := bcd.Set(ctx, system.RamdiskOptionsID, "ramdisksdipath", sdiPath); err != nil {
		return err
	}

	ramdisk := fmt.Sprintf("ramdisk=[%s:]%s,%s", letter, winreSubdir, system.RamdiskOptionsID)
	if err := bcd.Set(ctx, loaderID, "device", ramdisk); err != nil {
		return err
	}
	if err := bcd.Set(ctx, loaderID, "osdevice", ramdisk); err != nil {
		return err
	}

	// Read back what the store accepted. A split device/osdevice pair
	// still boots in most configurations, so it only warns.
	entry, err := bcd.Enum(ctx, loaderID)
	if err != nil {
		p.Log.Log("WARN", "Cannot read back loader entry after repair", "id", loaderID, "error", err.Error())
		return nil
	}
	if entry["device"] != entry["osdevice"] {
		p.Log.Log("WARN", "Loader device and osdevice differ after repair",
			"device", entry["device"], "osdevice", entry["osdevice"])
	}

	p.Log.Log("INFO", "Boot configuration repaired", "loader", loaderID, "device", ramdisk)
	return nil
}
