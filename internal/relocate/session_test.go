package relocate

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"

	"relocare/internal/backup"
	"relocare/internal/config"
	"relocare/internal/inventory"
	"relocare/internal/logging"
	"relocare/internal/pathspec"
	"relocare/internal/prompt"
	"relocare/internal/reporting"
	"relocare/internal/restore"
	"relocare/internal/system"
)

func testLogger() *logging.Logger {
	l, _ := logging.New("ERROR", "", false)
	return l
}

// The fakes share one event log so tests can pin down ordering across
// components.

type fakeInventory struct {
	events *[]string
	snap   *inventory.Snapshot
	target *inventory.Target
}

func (f *fakeInventory) Take(context.Context) (*inventory.Snapshot, error) {
	*f.events = append(*f.events, "take")
	return f.snap, nil
}

func (f *fakeInventory) SelectTarget(context.Context, *inventory.Snapshot, prompt.Func) (*inventory.Target, error) {
	*f.events = append(*f.events, "select-target")
	return f.target, nil
}

type fakeSizer struct {
	events   *[]string
	required []int64
}

func (f *fakeSizer) ResizeForRecovery(_ context.Context, _ *system.Partition, requiredMin int64) {
	*f.events = append(*f.events, "resize")
	f.required = append(f.required, requiredMin)
}

func (f *fakeSizer) Reclaim(context.Context, *system.Partition) {
	*f.events = append(*f.events, "reclaim")
}

type fakeParts struct {
	events    *[]string
	created   system.Partition
	letter    string
	createErr error
	removed   []int
	released  []string
}

func (f *fakeParts) Create(context.Context, system.Disk) (system.Partition, string, error) {
	*f.events = append(*f.events, "create")
	return f.created, f.letter, f.createErr
}

func (f *fakeParts) Remove(_ context.Context, part system.Partition) error {
	*f.events = append(*f.events, "remove")
	f.removed = append(f.removed, part.PartitionNumber)
	return nil
}

func (f *fakeParts) ReleaseLetter(_ context.Context, _ system.Partition, letter string) {
	f.released = append(f.released, letter)
}

type fakeBackup struct {
	events *[]string
	img    *backup.RecoveryImage
}

func (f *fakeBackup) Capture(context.Context, pathspec.Ref, []system.Partition) (*backup.RecoveryImage, error) {
	*f.events = append(*f.events, "capture")
	return f.img, nil
}

type fakeRestore struct {
	events *[]string
	roots  []string
	err    error
}

func (f *fakeRestore) Restore(_ context.Context, _ *backup.RecoveryImage, destRoot string) error {
	*f.events = append(*f.events, "restore")
	f.roots = append(f.roots, destRoot)
	return f.err
}

type fakeBoot struct {
	events   *[]string
	repaired []string
}

func (f *fakeBoot) Repair(_ context.Context, letter string) error {
	*f.events = append(*f.events, "repair")
	f.repaired = append(f.repaired, letter)
	return nil
}

type fakeRE struct {
	events    *[]string
	info      system.REInfo
	enableErr error
	enabled   bool
	disabled  bool
	imageDir  string
}

func (f *fakeRE) Info(context.Context) (system.REInfo, error) { return f.info, nil }

func (f *fakeRE) Enable(context.Context) error {
	*f.events = append(*f.events, "enable")
	if f.enableErr != nil {
		return f.enableErr
	}
	f.enabled = true
	return nil
}

func (f *fakeRE) Disable(context.Context) error {
	*f.events = append(*f.events, "disable")
	f.disabled = true
	return nil
}

func (f *fakeRE) SetImage(_ context.Context, dir string) error {
	*f.events = append(*f.events, "set-image")
	f.imageDir = dir
	return nil
}

type fakeMedia struct {
	events *[]string
	path   string
	err    error
}

func (f *fakeMedia) ExtractWinRE(context.Context, string, int, string) (string, error) {
	*f.events = append(*f.events, "media-extract")
	return f.path, f.err
}

func testSnapshot() *inventory.Snapshot {
	sys := system.Partition{DiskNumber: 0, PartitionNumber: 3, Offset: 1000, Size: 5000, DriveLetter: "C"}
	rec := system.Partition{
		DiskNumber: 0, PartitionNumber: 4, Offset: 8000, Size: 900,
		GptType: "{de94bba4-06d1-4d40-a16a-bfd50179d6ac}",
	}
	return &inventory.Snapshot{
		Disks:      []system.Disk{{Number: 0, PartitionStyle: "GPT", Size: 10000, AllocatedSize: 10000}},
		Partitions: []system.Partition{sys, rec},
		System:     sys,
		Disk:       system.Disk{Number: 0, PartitionStyle: "GPT", Size: 10000, AllocatedSize: 10000},
	}
}

type fixture struct {
	events  []string
	inv     *fakeInventory
	sizer   *fakeSizer
	parts   *fakeParts
	backup  *fakeBackup
	restore *fakeRestore
	boot    *fakeBoot
	re      *fakeRE
	media   *fakeMedia
	session *Session
}

func newFixture(t *testing.T, info system.REInfo) *fixture {
	t.Helper()
	f := &fixture{}
	snap := testSnapshot()

	f.inv = &fakeInventory{events: &f.events, snap: snap}
	f.sizer = &fakeSizer{events: &f.events}
	f.parts = &fakeParts{
		events:  &f.events,
		created: system.Partition{DiskNumber: 0, PartitionNumber: 5, Size: 1024},
		letter:  "R",
	}
	f.backup = &fakeBackup{events: &f.events}
	f.restore = &fakeRestore{events: &f.events}
	f.boot = &fakeBoot{events: &f.events}
	f.re = &fakeRE{events: &f.events, info: info}
	f.media = &fakeMedia{events: &f.events}

	cfg := config.Default()
	cfg.Recovery.BackupDir = t.TempDir()

	f.session = &Session{
		Cfg:     cfg,
		Log:     testLogger(),
		R:       &system.ScriptRunner{},
		Confirm: prompt.AssumeYes(),
		Report:  reporting.NewReport(false),

		Inventory: f.inv,
		Sizing:    f.sizer,
		Parts:     f.parts,
		Backup:    f.backup,
		Restore:   f.restore,
		Boot:      f.boot,
		RE:        f.re,
		Media:     f.media,

		Stat:       func(string) (os.FileInfo, error) { return nil, os.ErrNotExist },
		CopyFile:   func(string, string) error { return nil },
		DigestFile: func(string) (digest.Digest, error) { return digest.FromString("x"), nil },
		Phantoms:   func() ([]string, error) { return nil, nil },
	}
	return f
}

func enabledInfo() system.REInfo {
	return system.REInfo{
		Enabled:       true,
		Location:      `\\?\GLOBALROOT\device\harddisk0\partition4\Recovery\WindowsRE`,
		BCDIdentifier: "{772a7ac0-3c42-11eb-8f2d-e41d2d101530}",
	}
}

func indexOf(events []string, name string) int {
	for i, e := range events {
		if e == name {
			return i
		}
	}
	return -1
}

func TestRunEnabledRelocatesPartition(t *testing.T) {
	f := newFixture(t, enabledInfo())
	f.inv.target = &inventory.Target{Partition: f.inv.snap.Partitions[1], Letter: "Q", Transient: true}
	f.backup.img = &backup.RecoveryImage{
		Digest:  digest.FromString("winre"),
		Path:    `C:\backups\recovery-backup.wim`,
		Subpath: `Recovery\WindowsRE`,
	}

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The old partition may only disappear after its contents are
	// captured and the environment is off.
	order := []string{"capture", "disable", "remove", "resize", "create", "restore", "set-image", "enable", "repair", "reclaim"}
	last := -1
	for _, name := range order {
		i := indexOf(f.events, name)
		if i < 0 {
			t.Fatalf("step %q missing, events: %v", name, f.events)
		}
		if i < last {
			t.Fatalf("step %q out of order, events: %v", name, f.events)
		}
		last = i
	}

	if f.sizer.required[0] != 900 {
		t.Fatalf("resize must request at least the old partition size, got %d", f.sizer.required[0])
	}
	if len(f.restore.roots) != 1 || f.restore.roots[0] != `R:\` {
		t.Fatalf("restore root = %v", f.restore.roots)
	}
	if !strings.Contains(f.re.imageDir, `R:\`) || !strings.Contains(f.re.imageDir, "WindowsRE") {
		t.Fatalf("image registered at %q", f.re.imageDir)
	}
	if len(f.boot.repaired) != 1 || f.boot.repaired[0] != "R" {
		t.Fatalf("boot repair letters = %v", f.boot.repaired)
	}

	// The new partition's letter is transient on this branch.
	found := false
	for _, l := range f.parts.released {
		if l == "R" {
			found = true
		}
	}
	if !found {
		t.Fatalf("letter R not released, released: %v", f.parts.released)
	}

	if f.session.Report.Branch != "enabled" {
		t.Fatalf("branch = %q", f.session.Report.Branch)
	}
}

func TestRunEnabledNoTargetIsReportOnly(t *testing.T) {
	f := newFixture(t, enabledInfo())
	f.inv.target = nil

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, name := range []string{"capture", "disable", "remove", "create"} {
		if indexOf(f.events, name) >= 0 {
			t.Fatalf("report-only run performed %q, events: %v", name, f.events)
		}
	}
	if f.session.Report.Branch != "report-only" {
		t.Fatalf("branch = %q", f.session.Report.Branch)
	}
}

func TestRunEnabledEmptySourceStopsBeforeSurgery(t *testing.T) {
	f := newFixture(t, enabledInfo())
	f.inv.target = &inventory.Target{Partition: f.inv.snap.Partitions[1], Letter: "Q", Transient: true}
	f.backup.img = nil // nothing on the source partition

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("an empty source must not fail the run: %v", err)
	}

	for _, name := range []string{"disable", "remove", "create"} {
		if indexOf(f.events, name) >= 0 {
			t.Fatalf("destructive step %q ran without a backup, events: %v", name, f.events)
		}
	}
	// The target's transient letter must still be cleaned up.
	if len(f.parts.released) == 0 {
		t.Fatal("transient target letter not released")
	}
}

func TestRunEnabledPermanentTargetLetterStaysAssigned(t *testing.T) {
	f := newFixture(t, enabledInfo())
	// The target already carried a letter before the run.
	f.inv.target = &inventory.Target{Partition: f.inv.snap.Partitions[1], Letter: "Q", Transient: false}
	f.backup.img = nil // capture finds nothing; the branch stops early

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.parts.released) != 0 {
		t.Fatalf("a letter the run never assigned was released: %v", f.parts.released)
	}
}

func TestReportOnlyStillRecordsImageVersion(t *testing.T) {
	f := newFixture(t, enabledInfo())
	f.inv.target = nil // nothing accepted, report-only

	wim := enabledInfo().Location + `\Winre.wim`
	f.session.R = &system.ScriptRunner{
		Responses: map[string]string{
			"dism /Get-ImageInfo /ImageFile:" + wim + " /Index:1": `Deployment Image Servicing and Management tool

Details for image : ` + wim + `

Index : 1
Name : Microsoft Windows Recovery Environment
Version : 10.0.19041.3920
`,
		},
	}

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.session.Report.Recovery.ImageVersion != "10.0.19041.3920" {
		t.Fatalf("image version = %q", f.session.Report.Recovery.ImageVersion)
	}
}

func TestRunEnabledDigestMismatchAborts(t *testing.T) {
	f := newFixture(t, enabledInfo())
	f.inv.target = &inventory.Target{Partition: f.inv.snap.Partitions[1], Letter: "Q", Transient: true}
	f.backup.img = &backup.RecoveryImage{Digest: digest.FromString("winre"), Path: `C:\backups\recovery-backup.wim`}
	f.restore.err = restore.ErrDigestMismatch

	err := f.session.Run(context.Background())
	if !errors.Is(err, restore.ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}

	// The environment must stay disabled and the loader untouched.
	if indexOf(f.events, "enable") >= 0 {
		t.Fatalf("environment enabled after failed verification, events: %v", f.events)
	}
	if indexOf(f.events, "repair") >= 0 {
		t.Fatalf("loader repaired after failed verification, events: %v", f.events)
	}
	// Cleanup still happens.
	if len(f.parts.released) == 0 {
		t.Fatal("letters not released after abort")
	}
}

func TestRunDisabledInstallsFromStagedImage(t *testing.T) {
	f := newFixture(t, system.REInfo{Enabled: false})

	staged := t.TempDir() + string(os.PathSeparator) + "Winre.wim"
	if err := os.WriteFile(staged, []byte("winre"), 0644); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(staged)
	f.session.Stat = func(path string) (os.FileInfo, error) {
		if strings.HasSuffix(path, "Winre.wim") && strings.Contains(path, "System32") {
			return info, nil
		}
		return nil, os.ErrNotExist
	}

	var copied [][2]string
	f.session.CopyFile = func(src, dst string) error {
		copied = append(copied, [2]string{src, dst})
		return nil
	}

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	order := []string{"resize", "create", "set-image", "enable", "reclaim"}
	last := -1
	for _, name := range order {
		i := indexOf(f.events, name)
		if i < 0 {
			t.Fatalf("step %q missing, events: %v", name, f.events)
		}
		if i < last {
			t.Fatalf("step %q out of order, events: %v", name, f.events)
		}
		last = i
	}
	if indexOf(f.events, "media-extract") >= 0 {
		t.Fatal("media must not be touched when a staged image exists")
	}

	if len(copied) != 1 || !strings.Contains(copied[0][1], `R:\`) {
		t.Fatalf("image install = %v", copied)
	}

	// The new image must leave headroom beyond its own size.
	if len(f.sizer.required) == 0 || f.sizer.required[0] <= info.Size() {
		t.Fatalf("required space %v must exceed the image size %d", f.sizer.required, info.Size())
	}

	// The installed partition keeps its letter on this branch.
	for _, l := range f.parts.released {
		if l == "R" {
			t.Fatalf("letter R must stay assigned, released: %v", f.parts.released)
		}
	}
	if f.session.Report.Branch != "disabled" {
		t.Fatalf("branch = %q", f.session.Report.Branch)
	}
}

func TestRunDisabledWithoutImageOrMediaIsFatal(t *testing.T) {
	f := newFixture(t, system.REInfo{Enabled: false})
	f.session.Cfg.Recovery.MediaPath = ""

	err := f.session.Run(context.Background())
	if !errors.Is(err, ErrNoRecoveryImage) {
		t.Fatalf("expected ErrNoRecoveryImage, got %v", err)
	}
	if indexOf(f.events, "create") >= 0 {
		t.Fatalf("nothing may be created without a source image, events: %v", f.events)
	}
}

func TestRunDisabledFallsBackToMedia(t *testing.T) {
	f := newFixture(t, system.REInfo{Enabled: false})
	f.session.Cfg.Recovery.MediaPath = `D:\`

	extracted := t.TempDir() + string(os.PathSeparator) + "Winre.wim"
	if err := os.WriteFile(extracted, []byte("winre from media"), 0644); err != nil {
		t.Fatal(err)
	}
	f.media.path = extracted
	info, _ := os.Stat(extracted)
	f.session.Stat = func(path string) (os.FileInfo, error) {
		if path == extracted {
			return info, nil
		}
		return nil, os.ErrNotExist
	}

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if indexOf(f.events, "media-extract") < 0 {
		t.Fatalf("media extraction missing, events: %v", f.events)
	}
	if indexOf(f.events, "enable") < 0 {
		t.Fatalf("environment not enabled, events: %v", f.events)
	}
}

func TestRunDisabledDiscardsStalePartition(t *testing.T) {
	f := newFixture(t, system.REInfo{Enabled: false})
	f.inv.target = &inventory.Target{Partition: f.inv.snap.Partitions[1], Letter: "Q", Transient: true}

	staged := t.TempDir() + string(os.PathSeparator) + "Winre.wim"
	if err := os.WriteFile(staged, []byte("winre"), 0644); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(staged)
	f.session.Stat = func(path string) (os.FileInfo, error) {
		if strings.Contains(path, "System32") {
			return info, nil
		}
		return nil, os.ErrNotExist
	}

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.parts.removed) != 1 || f.parts.removed[0] != 4 {
		t.Fatalf("stale partition not removed, removed: %v", f.parts.removed)
	}
	if indexOf(f.events, "remove") > indexOf(f.events, "create") {
		t.Fatalf("stale partition must go before the new one is created, events: %v", f.events)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateStart, StateInventoried, true},
		{StateStart, StateEnabledBranch, false},
		{StateInventoried, StateEnabledBranch, true},
		{StateInventoried, StateDisabledBranch, true},
		{StateInventoried, StateFinalized, true},
		{StateEnabledBranch, StateRepaired, true},
		{StateEnabledBranch, StateDisabledBranch, false},
		{StateDisabledBranch, StateRepaired, true},
		{StateRepaired, StateFinalized, true},
		{StateRepaired, StateInventoried, false},
		{StateFinalized, StateStart, false},
	}
	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.ok {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}
