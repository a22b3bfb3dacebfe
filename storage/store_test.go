package storage

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeClip(t *testing.T, s *Store, clipID string, data []byte) {
	t.Helper()
	w, err := s.Writer(clipID)
	if err != nil {
		t.Fatalf("Writer(%q): %v", clipID, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	payload := []byte("clip bytes here")
	writeClip(t, s, "clip-a", payload)

	b, err := s.Open("clip-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if b.Size() != int64(len(payload)) {
		t.Fatalf("size: got %d, want %d", b.Size(), len(payload))
	}
	got := make([]byte, len(payload))
	if _, err := b.ReadAt(got, 0); err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload: got %q, want %q", got, payload)
	}
}

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	writeClip(t, s, "shared", []byte("0123456789"))

	a, err := s.Open("shared")
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	defer a.Close()
	b, err := s.Open("shared")
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	defer b.Close()

	bufA := make([]byte, 4)
	bufB := make([]byte, 4)
	a.ReadAt(bufA, 0)
	b.ReadAt(bufB, 6)
	if string(bufA) != "0123" || string(bufB) != "6789" {
		t.Fatalf("independent views: got %q and %q", bufA, bufB)
	}
}

func TestMissingClip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.Open("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open missing: got %v, want ErrNotFound", err)
	}
	if err := s.Delete("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete missing: got %v, want ErrNotFound", err)
	}
}

func TestExistsAndList(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	writeClip(t, s, "one", []byte("1"))
	writeClip(t, s, "two", []byte("2"))

	ok, err := s.Exists("one")
	if err != nil || !ok {
		t.Fatalf("Exists(one): %v %v", ok, err)
	}
	ok, err = s.Exists("three")
	if err != nil || ok {
		t.Fatalf("Exists(three): %v %v", ok, err)
	}

	keys, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List: got %v, want two keys", keys)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	writeClip(t, s, "gone", []byte("x"))
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Open("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open after delete: got %v, want ErrNotFound", err)
	}
}

func TestDuplicateWrite(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	writeClip(t, s, "dup", []byte("x"))
	if _, err := s.Writer("dup"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Writer: got %v, want ErrDuplicate", err)
	}
}

func TestAbortLeavesNothing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	w, err := s.Writer("aborted")
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	w.Write([]byte("partial"))
	w.Abort()

	ok, err := s.Exists("aborted")
	if err != nil || ok {
		t.Fatalf("aborted clip indexed: %v %v", ok, err)
	}
}

func TestBadClipID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	for _, id := range []string{"", "../escape", "a/b", "x y"} {
		if _, err := s.Writer(id); !errors.Is(err, ErrBadClipID) {
			t.Errorf("Writer(%q): got %v, want ErrBadClipID", id, err)
		}
	}
}
