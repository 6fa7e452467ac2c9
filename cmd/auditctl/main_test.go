package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c := &cli{out: &out, in: strings.NewReader(stdin)}
	root := c.root()
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHashPassword(t *testing.T) {
	out, err := execute(t, "correct horse battery staple\n", "hash-password")
	if err != nil {
		t.Fatalf("hash-password failed: %v", err)
	}

	hash := strings.TrimSpace(out)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct horse battery staple")); err != nil {
		t.Errorf("printed hash does not match password: %v", err)
	}
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	if _, err := execute(t, "\n", "hash-password"); err == nil {
		t.Error("expected error for empty password")
	}
}

func TestCommandsRequirePostgres(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, cmd := range []string{"verify", "head", "export", "archive"} {
		t.Run(cmd, func(t *testing.T) {
			_, err := execute(t, "", cmd, "--config", path)
			if err == nil || !strings.Contains(err.Error(), "postgres") {
				t.Errorf("%s: err = %v, want postgres driver error", cmd, err)
			}
		})
	}
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "", "head", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("expected error for missing config file")
	}
}
