package system

import (
	"strings"
	"testing"
)

func TestBuildRecoveryTypeScriptGPT(t *testing.T) {
	script, err := BuildRecoveryTypeScript("GPT", 0, 4)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	for _, want := range []string{
		"select disk 0",
		"select partition 4",
		"set id=de94bba4-06d1-4d40-a16a-bfd50179d6ac override",
		"gpt attributes=0x8000000000000001",
		"exit",
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}
}

func TestBuildRecoveryTypeScriptMBR(t *testing.T) {
	script, err := BuildRecoveryTypeScript("MBR", 1, 2)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(script, "set id=27 override") {
		t.Fatalf("MBR script must set type byte 27:\n%s", script)
	}
	if strings.Contains(script, "gpt attributes") {
		t.Fatalf("MBR script must not touch GPT attributes:\n%s", script)
	}
}

func TestBuildRecoveryTypeScriptUnknownStyle(t *testing.T) {
	if _, err := BuildRecoveryTypeScript("APM", 0, 1); err == nil {
		t.Fatal("expected error for unknown partition style")
	}
}
