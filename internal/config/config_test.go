package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/testutil/testlog"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestTemplateLoadsClean(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if f.Mode != "preprocessed" || f.VoteWindow != 25 || f.TelemetryHz != 10 || f.RetryDelay != "1s" {
		t.Fatalf("template values got=%+v", f)
	}
	if f.AutoConnect == nil || !*f.AutoConnect {
		t.Fatalf("auto_connect got=%v want=true", f.AutoConnect)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite existing config")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "mode = \"raw\"\nheartbeat = \"5s\"\n")
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown key err got=%v want=%v", err, ErrInvalid)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]File{
		"mode":     {Mode: "turbo"},
		"address":  {Address: "12:34"},
		"duration": {FlushInterval: "soon"},
		"negative": {RetryDelay: "-1s"},
		"window":   {VoteWindow: -3},
		"hz":       {TelemetryHz: -1},
	}
	for name, f := range cases {
		if err := Validate(f); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s err got=%v want=%v", name, err, ErrInvalid)
		}
	}
	if err := Validate(File{}); err != nil {
		t.Fatalf("empty file err got=%v want=nil", err)
	}
}
