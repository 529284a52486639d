package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("PLAYER_TEST_STRING", "")
	if got := GetEnv("PLAYER_TEST_STRING", "fallback"); got != "fallback" {
		t.Errorf("empty value: got %q, want fallback", got)
	}
	t.Setenv("PLAYER_TEST_STRING", "value")
	if got := GetEnv("PLAYER_TEST_STRING", "fallback"); got != "value" {
		t.Errorf("got %q, want value", got)
	}
}

func TestGetEnvNumbers(t *testing.T) {
	tests := []struct {
		raw       string
		wantInt   int
		wantInt64 int64
	}{
		{"", 7, 7},
		{"12", 12, 12},
		{"not-a-number", 7, 7},
		{"4294967296", 4294967296, 4294967296},
	}
	for _, tt := range tests {
		t.Setenv("PLAYER_TEST_NUMBER", tt.raw)
		if got := GetEnvInt("PLAYER_TEST_NUMBER", 7); got != tt.wantInt {
			t.Errorf("GetEnvInt(%q): got %d, want %d", tt.raw, got, tt.wantInt)
		}
		if got := GetEnvInt64("PLAYER_TEST_NUMBER", 7); got != tt.wantInt64 {
			t.Errorf("GetEnvInt64(%q): got %d, want %d", tt.raw, got, tt.wantInt64)
		}
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", time.Second},
		{"250ms", 250 * time.Millisecond},
		{"2s", 2 * time.Second},
		{"250", time.Second},
	}
	for _, tt := range tests {
		t.Setenv("PLAYER_TEST_DURATION", tt.raw)
		if got := GetEnvDuration("PLAYER_TEST_DURATION", time.Second); got != tt.want {
			t.Errorf("GetEnvDuration(%q): got %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("PLAYER_TEST_LOADED=from-file\nPLAYER_TEST_PRESET=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PLAYER_TEST_LOADED", "")
	os.Unsetenv("PLAYER_TEST_LOADED")
	t.Setenv("PLAYER_TEST_PRESET", "from-env")

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("PLAYER_TEST_LOADED") })

	if got := os.Getenv("PLAYER_TEST_LOADED"); got != "from-file" {
		t.Errorf("PLAYER_TEST_LOADED: got %q, want from-file", got)
	}
	if got := os.Getenv("PLAYER_TEST_PRESET"); got != "from-env" {
		t.Errorf("existing variables must win, got %q", got)
	}
	if err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("Load of a missing file should fail")
	}
}
