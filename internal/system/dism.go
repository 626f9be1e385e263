package system

import (
	"context"
	"fmt"
)

// DISM wraps the whole-directory image capture/apply tool. Capture and
// apply are genuinely long-running (minutes) and block until done.
type DISM struct {
	R Runner
}

// Capture snapshots a directory tree into a WIM container.
func (d DISM) Capture(ctx context.Context, dir, wim, label string) error {
	_, err := d.R.Run(ctx, "dism",
		"/Capture-Image",
		"/ImageFile:"+wim,
		"/CaptureDir:"+dir,
		"/Name:"+label)
	if err != nil {
		return fmt.Errorf("image capture of %s failed: %w", dir, err)
	}
	return nil
}

// Apply repopulates a directory tree from a WIM container.
func (d DISM) Apply(ctx context.Context, wim, dir string) error {
	_, err := d.R.Run(ctx, "dism",
		"/Apply-Image",
		"/ImageFile:"+wim,
		"/Index:1",
		"/ApplyDir:"+dir)
	if err != nil {
		return fmt.Errorf("image apply to %s failed: %w", dir, err)
	}
	return nil
}

// Info reports container metadata (name, size, version) as raw tool
// output.
func (d DISM) Info(ctx context.Context, wim string) (string, error) {
	out, err := d.R.Run(ctx, "dism", "/Get-ImageInfo", "/ImageFile:"+wim)
	if err != nil {
		return "", fmt.Errorf("image info for %s failed: %w", wim, err)
	}
	return out, nil
}

// IndexInfo reports metadata for one image index.
func (d DISM) IndexInfo(ctx context.Context, wim string, index int) (string, error) {
	out, err := d.R.Run(ctx, "dism", "/Get-ImageInfo", "/ImageFile:"+wim, fmt.Sprintf("/Index:%d", index))
	if err != nil {
		return "", fmt.Errorf("image info for %s index %d failed: %w", wim, index, err)
	}
	return out, nil
}

// Mount mounts one image index read-only accessible under dir.
func (d DISM) Mount(ctx context.Context, wim string, index int, dir string) error {
	_, err := d.R.Run(ctx, "dism",
		"/Mount-Image",
		"/ImageFile:"+wim,
		fmt.Sprintf("/Index:%d", index),
		"/MountDir:"+dir,
		"/ReadOnly")
	if err != nil {
		return fmt.Errorf("image mount of %s failed: %w", wim, err)
	}
	return nil
}

// UnmountDiscard unmounts a mounted image without committing changes.
func (d DISM) UnmountDiscard(ctx context.Context, dir string) error {
	_, err := d.R.Run(ctx, "dism",
		"/Unmount-Image",
		"/MountDir:"+dir,
		"/Discard")
	if err != nil {
		return fmt.Errorf("image unmount of %s failed: %w", dir, err)
	}
	return nil
}
