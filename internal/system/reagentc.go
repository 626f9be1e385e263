package system

import (
	"context"
	"fmt"
	"strings"
)

// REInfo is the state reported by the Recovery Environment control surface.
type REInfo struct {
	Enabled bool
	// Location is the RE image directory in global device form, e.g.
	// \\?\GLOBALROOT\device\harddisk0\partition4\Recovery\WindowsRE.
	// Empty while the environment is disabled.
	Location string
	// BCDIdentifier is the authoritative loader entry GUID. Read from the
	// configuration record, never hardcoded or guessed.
	BCDIdentifier string
}

// WinRE drives the Recovery Environment through reagentc.
type WinRE struct {
	R Runner
}

func (w WinRE) Info(ctx context.Context) (REInfo, error) {
	out, err := w.R.Run(ctx, "reagentc", "/info")
	if err != nil {
		return REInfo{}, fmt.Errorf("recovery environment query failed: %w", err)
	}
	return parseREInfo(out)
}

func (w WinRE) Enable(ctx context.Context) error {
	if _, err := w.R.Run(ctx, "reagentc", "/enable"); err != nil {
		return fmt.Errorf("recovery environment enable failed: %w", err)
	}
	return nil
}

func (w WinRE) Disable(ctx context.Context) error {
	if _, err := w.R.Run(ctx, "reagentc", "/disable"); err != nil {
		return fmt.Errorf("recovery environment disable failed: %w", err)
	}
	return nil
}

// SetImage registers dir (a ...\Recovery\WindowsRE directory) as the RE
// image location.
func (w WinRE) SetImage(ctx context.Context, dir string) error {
	if _, err := w.R.Run(ctx, "reagentc", "/setreimage", "/path", dir); err != nil {
		return fmt.Errorf("recovery image registration failed: %w", err)
	}
	return nil
}

// parseREInfo implements the narrow line grammar of reagentc /info:
// indented "key: value" lines where the key may itself contain spaces and
// parentheses. Only the three fields the engine needs are read; a missing
// required field is a typed error, never a guess.
func parseREInfo(output string) (REInfo, error) {
	var info REInfo
	var haveStatus bool

	for _, line := range strings.Split(output, "\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])

		switch {
		case strings.Contains(key, "windows re status"):
			info.Enabled = strings.EqualFold(value, "Enabled")
			haveStatus = true
		case strings.Contains(key, "windows re location"):
			info.Location = value
		case strings.Contains(key, "identifier"):
			info.BCDIdentifier = value
		}
	}

	if !haveStatus {
		return REInfo{}, fmt.Errorf("reagentc /info: missing \"Windows RE status\" field, unknown output format")
	}
	if info.Enabled && info.Location == "" {
		return REInfo{}, fmt.Errorf("reagentc /info: environment enabled but \"Windows RE location\" field missing")
	}
	return info, nil
}
