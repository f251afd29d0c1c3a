package media

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/m4hub/chatcore/internal/domain"
)

func newStore(t *testing.T, maxSize int64) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), maxSize)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestSaveAndOpen(t *testing.T) {
	s := newStore(t, 1024)

	ref, err := s.Save("photo.PNG", strings.NewReader("fake image bytes"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(ref, ".png") {
		t.Fatalf("reference should keep the lowercased extension, got %q", ref)
	}
	if strings.ContainsAny(ref, `/\`) {
		t.Fatalf("reference must be a bare filename, got %q", ref)
	}

	f, err := s.Open(ref)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if string(got) != "fake image bytes" {
		t.Fatalf("content mismatch: %q", got)
	}
}

func TestSaveRejectsUnknownExtension(t *testing.T) {
	s := newStore(t, 1024)

	if _, err := s.Save("malware.exe", strings.NewReader("x")); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSaveEnforcesSizeLimit(t *testing.T) {
	s := newStore(t, 8)

	if _, err := s.Save("big.txt", strings.NewReader("123456789")); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if ref, err := s.Save("ok.txt", strings.NewReader("12345678")); err != nil || ref == "" {
		t.Fatalf("at-limit upload should succeed, got %q %v", ref, err)
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	s := newStore(t, 1024)

	for _, ref := range []string{"", "../secret", "a/b.png", `..\x`} {
		if _, err := s.Open(ref); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("ref %q: expected ErrInvalidArgument, got %v", ref, err)
		}
	}
}

func TestOpenUnknownRef(t *testing.T) {
	s := newStore(t, 1024)

	if _, err := s.Open("nope.png"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
