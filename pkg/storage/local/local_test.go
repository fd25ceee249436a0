package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeObject(t *testing.T, base, name, content string) {
	t.Helper()

	p := filepath.Join(base, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		t.Fatalf("creating object dir: %s", err)
	}

	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("writing object: %s", err)
	}
}

func TestGetFile(t *testing.T) {
	base := t.TempDir()
	writeObject(t, base, "srt/foo.srt", "hello")

	s := New(base)

	f, err := s.GetFile(context.Background(), "srt/foo.srt")
	if err != nil {
		t.Fatalf("getting existing object: %s", err)
	}
	defer f.Close()

	body, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("reading object: %s", err)
	}

	if string(body) != "hello" {
		t.Errorf("expected body %q, got %q", "hello", body)
	}
}

func TestGetFileAbsent(t *testing.T) {
	base := t.TempDir()
	writeObject(t, base, "srt/nested/foo.srt", "hello")

	// Object outside the base directory must never be reachable
	outside := filepath.Join(filepath.Dir(base), "outside.srt")
	if err := os.WriteFile(outside, []byte("secret"), 0o600); err != nil {
		t.Fatalf("writing outside object: %s", err)
	}
	t.Cleanup(func() { os.Remove(outside) })

	s := New(base)

	for _, objectPath := range []string{
		"srt/missing.srt",
		"srt/nested",
		"srt/",
		"../outside.srt",
		"srt/../../outside.srt",
	} {
		f, err := s.GetFile(context.Background(), objectPath)
		if err == nil {
			f.Close()
			t.Errorf("%q: expected error, got object", objectPath)
			continue
		}

		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%q: expected ErrNotExist, got %s", objectPath, err)
		}
	}
}
