package system

import "testing"

const bcdLoaderFixture = `
Windows Boot Loader
-------------------
identifier              {772a7ac0-3c42-11eb-8f2d-e41d2d101530}
device                  ramdisk=[F:]\Recovery\WindowsRE\Winre.wim,{ramdiskoptions}
path                    \windows\system32\winload.efi
description             Windows Recovery Environment
osdevice                ramdisk=[F:]\Recovery\WindowsRE\Winre.wim,{ramdiskoptions}
systemroot              \windows
winpe                   Yes
`

func TestParseBCDEntry(t *testing.T) {
	entry := parseBCDEntry(bcdLoaderFixture)

	if got := entry["identifier"]; got != "{772a7ac0-3c42-11eb-8f2d-e41d2d101530}" {
		t.Fatalf("identifier = %q", got)
	}
	want := `ramdisk=[F:]\Recovery\WindowsRE\Winre.wim,{ramdiskoptions}`
	if entry["device"] != want {
		t.Fatalf("device = %q, want %q", entry["device"], want)
	}
	if entry["device"] != entry["osdevice"] {
		t.Fatal("fixture device and osdevice must parse identically")
	}
	if got := entry["description"]; got != "Windows Recovery Environment" {
		t.Fatalf("multi-word value lost: %q", got)
	}
	if _, ok := entry["Windows"]; ok {
		t.Fatal("header line must not become a key")
	}
}

func TestParseBCDEntryEmpty(t *testing.T) {
	if entry := parseBCDEntry("The boot configuration data store could not be opened.\n"); len(entry) != 0 {
		// "The" is uppercase, so nothing should parse as a field.
		t.Fatalf("expected no fields, got %v", entry)
	}
}
