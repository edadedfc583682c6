package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	content := "" +
		"# comment\n" +
		"INTAKE_DOTENV_FROM_FILE=loaded\n" +
		"INTAKE_DOTENV_QUOTED=\"hello world\"\n" +
		"export INTAKE_DOTENV_EXPORTED=ok\n" +
		"GEMINI_API_KEY=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("GEMINI_API_KEY", "already_set")
	for _, key := range []string{"INTAKE_DOTENV_FROM_FILE", "INTAKE_DOTENV_QUOTED", "INTAKE_DOTENV_EXPORTED"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("INTAKE_DOTENV_FROM_FILE"); got != "loaded" {
		t.Fatalf("INTAKE_DOTENV_FROM_FILE=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("INTAKE_DOTENV_QUOTED"); got != "hello world" {
		t.Fatalf("INTAKE_DOTENV_QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("INTAKE_DOTENV_EXPORTED"); got != "ok" {
		t.Fatalf("INTAKE_DOTENV_EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("GEMINI_API_KEY"); got != "already_set" {
		t.Fatalf("GEMINI_API_KEY=%q, want existing value preserved", got)
	}
}

func TestLoadFile_DirectoryIsError(t *testing.T) {
	t.Parallel()
	if err := LoadFile(t.TempDir()); err == nil {
		t.Fatalf("expected error loading a directory")
	}
}
