package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"relocare/internal/logging"
	"relocare/internal/system"
)

// Media extracts a recovery image from installation media. This is a
// long-running mount/copy/unmount operation.
type Media struct {
	R   system.Runner
	Log *logging.Logger
}

// ExtractWinRE mounts the media's system image, copies the embedded
// recovery image to destDir and unmounts again. Returns the path of the
// extracted file.
func (m Media) ExtractWinRE(ctx context.Context, mediaPath string, index int, destDir string) (string, error) {
	installWim := filepath.Join(mediaPath, "sources", "install.wim")
	if _, err := os.Stat(installWim); err != nil {
		return "", fmt.Errorf("installation media has no system image at %s: %w", installWim, err)
	}

	mountDir := filepath.Join(os.TempDir(), "relocare-media-mount")
	if err := os.MkdirAll(mountDir, 0755); err != nil {
		return "", fmt.Errorf("cannot create mount directory: %w", err)
	}

	dism := system.DISM{R: m.R}
	m.Log.Log("INFO", "Mounting installation media image (this can take minutes)",
		"image", installWim, "index", index)
	if err := dism.Mount(ctx, installWim, index, mountDir); err != nil {
		return "", err
	}
	defer func() {
		if err := dism.UnmountDiscard(ctx, mountDir); err != nil {
			m.Log.Log("WARN", "Media image unmount failed", "error", err.Error())
		}
	}()

	src := filepath.Join(mountDir, "Windows", "System32", "Recovery", imageFileName)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("cannot create destination %s: %w", destDir, err)
	}
	dest := filepath.Join(destDir, imageFileName)
	if err := copyFile(src, dest); err != nil {
		return "", fmt.Errorf("cannot extract recovery image from media: %w", err)
	}

	m.Log.Log("INFO", "Recovery image extracted from installation media", "file", dest)
	return dest, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
