package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAtomicWriteFile(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("creates file with content", func(t *testing.T) {
		path := filepath.Join(tmpDir, "a.txt")
		if err := AtomicWriteFile(path, []byte("hello"), 0o644); err != nil {
			t.Fatalf("AtomicWriteFile failed: %v", err)
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading file: %v", err)
		}
		if string(got) != "hello" {
			t.Errorf("content mismatch: got %q", string(got))
		}
	})

	t.Run("overwrites existing file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "b.txt")
		if err := AtomicWriteFile(path, []byte("one"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := AtomicWriteFile(path, []byte("two"), 0o644); err != nil {
			t.Fatal(err)
		}
		got, _ := os.ReadFile(path)
		if string(got) != "two" {
			t.Errorf("expected overwrite, got %q", string(got))
		}
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "c.txt")
		if err := AtomicWriteFile(path, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("expected 1 entry, found %d", len(entries))
		}
	})
}

func TestFileLock(t *testing.T) {
	t.Run("acquire and release", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "x.lock")
		lock, err := AcquireLock(path, DefaultLockTimeout)
		if err != nil {
			t.Fatalf("AcquireLock: %v", err)
		}
		lock.Release()

		// Re-acquire after release must succeed immediately.
		lock2, err := AcquireLock(path, DefaultLockTimeout)
		if err != nil {
			t.Fatalf("re-acquire: %v", err)
		}
		lock2.Release()
	})

	t.Run("release is idempotent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "y.lock")
		lock, err := AcquireLock(path, DefaultLockTimeout)
		if err != nil {
			t.Fatal(err)
		}
		lock.Release()
		lock.Release()
		var nilLock *FileLock
		nilLock.Release()
	})

	t.Run("with lock runs fn", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "z.lock")
		ran := false
		err := WithLock(path, time.Second, func() error {
			ran = true
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if !ran {
			t.Error("fn did not run")
		}
	})
}

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"worker-1", "worker-1"},
		{"../../etc", "_.._etc"},
		{`a<b>c:d"e/f\g|h?i*j`, "a_b_c_d_e_f_g_h_i_j"},
		{"  spaced  ", "spaced"},
		{"...dots...", "dots"},
		{"", "entry"},
		{"///", "___"},
	}
	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeNameStaysInDir(t *testing.T) {
	base := t.TempDir()
	hostile := []string{"../../etc", "..", "a/../../b", `..\..\x`}
	for _, h := range hostile {
		seg := SanitizeName(h)
		full := filepath.Join(base, seg)
		if !strings.HasPrefix(full, base+string(filepath.Separator)) {
			t.Errorf("sanitized %q escapes base dir: %s", h, full)
		}
	}
}
