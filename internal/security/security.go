// Package security gates every mutating run behind preflight checks.
// Each failed check maps to a distinct error so callers and reports can
// tell an operator exactly what blocked the run.
package security

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/windows"

	"relocare/internal/logging"
	"relocare/internal/system"
)

var (
	ErrNotElevated     = errors.New("administrator privileges required")
	ErrEncryptedDisk   = errors.New("system disk is encrypted, suspend protection before relocating")
	ErrUnhealthyVolume = errors.New("volume with health problems present")
	ErrLetterInUse     = errors.New("requested drive letter is already in use")
)

// Checks runs the preflight gate.
type Checks struct {
	R   system.Runner
	Log *logging.Logger

	// Test seams; nil means the real implementation.
	Elevated    func() bool
	LetterInUse func(letter string) (bool, error)
}

func (c *Checks) elevated() bool {
	if c.Elevated != nil {
		return c.Elevated()
	}
	return windows.GetCurrentProcessToken().IsElevated()
}

func (c *Checks) letterInUse(letter string) (bool, error) {
	if c.LetterInUse != nil {
		return c.LetterInUse(letter)
	}
	return system.LetterInUse(letter)
}

// Preflight verifies the run can proceed: elevation, no encryption on the
// system drive, no unhealthy volumes and a usable requested letter.
// Partition-table surgery on a machine failing any of these is how
// recovery data gets lost.
func (c *Checks) Preflight(ctx context.Context, requestedLetter string) error {
	if !c.elevated() {
		return ErrNotElevated
	}
	c.Log.Log("DEBUG", "Elevation confirmed")

	if err := c.checkEncryption(ctx); err != nil {
		return err
	}
	if err := c.checkVolumeHealth(ctx); err != nil {
		return err
	}

	if requestedLetter != "" {
		inUse, err := c.letterInUse(requestedLetter)
		if err != nil {
			return err
		}
		if inUse {
			return fmt.Errorf("letter %s: %w", requestedLetter, ErrLetterInUse)
		}
	}

	c.Log.Log("INFO", "Preflight checks passed")
	return nil
}

func (c *Checks) checkEncryption(ctx context.Context) error {
	drive := system.SystemDrive() + ":"
	out, err := c.R.Run(ctx, "manage-bde", "-status", drive)
	if err != nil {
		// Machines without the encryption feature have no manage-bde.
		c.Log.Log("DEBUG", "Encryption status unavailable, assuming unencrypted", "error", err.Error())
		return nil
	}
	if strings.Contains(out, "Protection On") {
		return fmt.Errorf("%s: %w", drive, ErrEncryptedDisk)
	}
	return nil
}

func (c *Checks) checkVolumeHealth(ctx context.Context) error {
	vols, err := system.ListVolumes(ctx, c.R)
	if err != nil {
		return err
	}
	for _, v := range vols {
		if v.HealthStatus == "" || strings.EqualFold(v.HealthStatus, "Healthy") {
			continue
		}
		return fmt.Errorf("volume %s reports %s: %w", v.DriveLetter, v.HealthStatus, ErrUnhealthyVolume)
	}
	return nil
}
