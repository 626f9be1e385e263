package relocate

import (
	"context"
	"path/filepath"
	"strings"

	"relocare/internal/pathspec"
	"relocare/internal/system"
)

// finalize always runs, also after an aborted branch: it queries the
// installed image version while a letter is still assigned, releases
// every letter the run left behind and sweeps for phantom letters.
func (s *Session) finalize(ctx context.Context) {
	if err := s.advance(StateFinalized); err != nil {
		s.Log.Log("WARN", "Finalize reached through unexpected phase", "error", err.Error())
	}

	s.recordImageVersion(ctx)

	for _, p := range s.pending {
		s.Parts.ReleaseLetter(ctx, p.part, p.letter)
	}
	s.pending = nil

	phantoms := s.Phantoms
	if phantoms == nil {
		phantoms = system.PhantomLetters
	}
	if letters, err := phantoms(); err == nil && len(letters) > 0 {
		s.Log.Log("WARN", "Drive letters without backing volume present, a reboot clears them",
			"letters", strings.Join(letters, ","))
	}

	s.Log.Log("INFO", "Run finalized")
}

// recordImageVersion reads the installed image's version metadata while
// the partition is still reachable. Without a letter from this run the
// environment's own location serves as the path. Best effort only.
func (s *Session) recordImageVersion(ctx context.Context) {
	if s.Report == nil {
		return
	}

	var wim string
	switch {
	case s.Report.Recovery.DriveLetter != "":
		wim = filepath.Join(s.Report.Recovery.DriveLetter+`:\`, "Recovery", "WindowsRE", "Winre.wim")
	case s.Report.Recovery.Location != "":
		ref, err := pathspec.Parse(s.Report.Recovery.Location)
		if err != nil {
			s.Log.Log("DEBUG", "Environment location not usable for version query", "error", err.Error())
			return
		}
		wim = ref.String() + `\Winre.wim`
	default:
		return
	}

	dism := system.DISM{R: s.R}
	out, err := dism.IndexInfo(ctx, wim, 1)
	if err != nil {
		s.Log.Log("DEBUG", "Cannot read installed image version", "error", err.Error())
		return
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Version") {
			s.Report.Recovery.ImageVersion = strings.TrimSpace(strings.TrimPrefix(line, "Version :"))
			s.Log.Log("INFO", "Installed recovery image version", "version", s.Report.Recovery.ImageVersion)
			return
		}
	}
}
