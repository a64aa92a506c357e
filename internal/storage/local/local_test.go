package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/project-storage/project-storage/internal/storage"
	"github.com/project-storage/project-storage/pkg/checksum"
)

const (
	idA = "aa000000000000000000000000000001"
	idB = "ab000000000000000000000000000002"
	idC = "aa000000000000000000000000000003"
)

// newTestStorage returns a backend and a resolver rooted in a temp dir.
func newTestStorage(t *testing.T) (*LocalStorage, storage.PathResolver) {
	t.Helper()
	return New(), storage.NewPathResolver(t.TempDir(), "demo")
}

func mustResolve(t *testing.T, r storage.PathResolver, id string, g storage.FileGroup) string {
	t.Helper()
	p, err := r.Resolve(id, g)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", id, err)
	}
	return p
}

// ---------------------------------------------------------------------------
// Write / Read
// ---------------------------------------------------------------------------

func TestWriteRead_RoundTrip(t *testing.T) {
	s, r := newTestStorage(t)
	ctx := context.Background()
	path := mustResolve(t, r, idA, storage.GroupUploads)

	payload := []byte("\x00binary\xffpayload\n")
	res, err := s.Write(ctx, path, bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if res.Size != int64(len(payload)) {
		t.Errorf("Write() size = %d, want %d", res.Size, len(payload))
	}
	want, _ := checksum.CalculateSHA256(bytes.NewReader(payload))
	if res.Checksum != want {
		t.Errorf("Write() checksum = %q, want %q", res.Checksum, want)
	}

	got, err := s.Read(ctx, path)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Read() = %q, want %q", got, payload)
	}
}

func TestWrite_UnknownSize(t *testing.T) {
	s, r := newTestStorage(t)
	path := mustResolve(t, r, idA, storage.GroupUploads)

	res, err := s.Write(context.Background(), path, strings.NewReader("streamed"), -1)
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if res.Size != 8 {
		t.Errorf("Write() size = %d, want 8", res.Size)
	}
}

func TestWrite_Overwrites(t *testing.T) {
	s, r := newTestStorage(t)
	ctx := context.Background()
	path := mustResolve(t, r, idA, storage.GroupUploads)

	if _, err := s.Write(ctx, path, strings.NewReader("first version"), -1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(ctx, path, strings.NewReader("v2"), -1); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Read(ctx, path)
	if string(got) != "v2" {
		t.Errorf("Read() after overwrite = %q, want v2", got)
	}
}

func TestWrite_ShortBodyLeavesNothing(t *testing.T) {
	s, r := newTestStorage(t)
	path := mustResolve(t, r, idA, storage.GroupUploads)

	if _, err := s.Write(context.Background(), path, strings.NewReader("abc"), 10); err == nil {
		t.Fatal("Write() = nil error, want short write error")
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 0 {
		t.Errorf("directory has %d entries after failed write, want 0", len(entries))
	}
}

func TestWrite_CancelledContext(t *testing.T) {
	s, r := newTestStorage(t)
	path := mustResolve(t, r, idA, storage.GroupUploads)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Write(ctx, path, strings.NewReader("data"), -1); !errors.Is(err, context.Canceled) {
		t.Errorf("Write() error = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("cancelled Write() left a file behind")
	}
}

func TestRead_NotFound(t *testing.T) {
	s, r := newTestStorage(t)
	path := mustResolve(t, r, idA, storage.GroupThumbnails)

	if _, err := s.Read(context.Background(), path); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Read() error = %v, want ErrNotFound", err)
	}
	if _, err := s.Open(context.Background(), path); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Open() error = %v, want ErrNotFound", err)
	}
}

func TestOpen_Streams(t *testing.T) {
	s, r := newTestStorage(t)
	ctx := context.Background()
	path := mustResolve(t, r, idA, storage.GroupUploads)
	if _, err := s.Write(ctx, path, strings.NewReader("stream me"), -1); err != nil {
		t.Fatal(err)
	}

	rc, err := s.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "stream me" {
		t.Errorf("Open() content = %q", got)
	}
}

// ---------------------------------------------------------------------------
// CopyIn
// ---------------------------------------------------------------------------

func TestCopyIn(t *testing.T) {
	s, r := newTestStorage(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "incoming.bin")
	if err := os.WriteFile(src, []byte("from disk"), 0600); err != nil {
		t.Fatal(err)
	}
	path := mustResolve(t, r, idB, storage.GroupUploads)

	res, err := s.CopyIn(ctx, path, src)
	if err != nil {
		t.Fatalf("CopyIn() error: %v", err)
	}
	if res.Size != 9 {
		t.Errorf("CopyIn() size = %d, want 9", res.Size)
	}
	got, _ := s.Read(ctx, path)
	if string(got) != "from disk" {
		t.Errorf("Read() = %q, want %q", got, "from disk")
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("CopyIn() must leave the source in place")
	}
}

func TestCopyIn_MissingSource(t *testing.T) {
	s, r := newTestStorage(t)
	path := mustResolve(t, r, idB, storage.GroupUploads)

	_, err := s.CopyIn(context.Background(), path, filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("CopyIn() error = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func TestDelete_Idempotent(t *testing.T) {
	s, r := newTestStorage(t)
	ctx := context.Background()
	path := mustResolve(t, r, idA, storage.GroupUploads)
	if _, err := s.Write(ctx, path, strings.NewReader("x"), 1); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.Delete(ctx, path)
	if err != nil || !deleted {
		t.Fatalf("first Delete() = (%v, %v), want (true, nil)", deleted, err)
	}
	deleted, err = s.Delete(ctx, path)
	if err != nil || deleted {
		t.Errorf("second Delete() = (%v, %v), want (false, nil)", deleted, err)
	}
}

func TestDelete_PrunesEmptyShard(t *testing.T) {
	s, r := newTestStorage(t)
	ctx := context.Background()
	pathA := mustResolve(t, r, idA, storage.GroupUploads)
	pathC := mustResolve(t, r, idC, storage.GroupUploads)
	for _, p := range []string{pathA, pathC} {
		if _, err := s.Write(ctx, p, strings.NewReader("x"), 1); err != nil {
			t.Fatal(err)
		}
	}
	shard := filepath.Dir(pathA)

	if _, err := s.Delete(ctx, pathA); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(shard); err != nil {
		t.Error("shard directory removed while still holding a file")
	}

	if _, err := s.Delete(ctx, pathC); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(shard); !os.IsNotExist(err) {
		t.Error("empty shard directory was not pruned")
	}
	if _, err := os.Stat(r.GroupDir(storage.GroupUploads)); err != nil {
		t.Error("group directory must survive shard pruning")
	}
}

// ---------------------------------------------------------------------------
// Exists
// ---------------------------------------------------------------------------

func TestExists(t *testing.T) {
	s, r := newTestStorage(t)
	ctx := context.Background()
	path := mustResolve(t, r, idA, storage.GroupUploads)

	if ok, _ := s.Exists(ctx, path); ok {
		t.Error("Exists() = true before write")
	}
	if _, err := s.Write(ctx, path, strings.NewReader("x"), 1); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Exists(ctx, path); err != nil || !ok {
		t.Errorf("Exists() = (%v, %v), want (true, nil)", ok, err)
	}
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func collect(t *testing.T, s *LocalStorage, dir string) []string {
	t.Helper()
	var ids []string
	for id, err := range s.List(context.Background(), dir) {
		if err != nil {
			t.Fatalf("List() error: %v", err)
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func TestList(t *testing.T) {
	s, r := newTestStorage(t)
	ctx := context.Background()
	for _, id := range []string{idA, idB, idC} {
		if _, err := s.Write(ctx, mustResolve(t, r, id, storage.GroupUploads), strings.NewReader(id), -1); err != nil {
			t.Fatal(err)
		}
	}
	// a thumbnail and stray files must not show up in uploads
	if _, err := s.Write(ctx, mustResolve(t, r, idA, storage.GroupThumbnails), strings.NewReader("t"), -1); err != nil {
		t.Fatal(err)
	}
	groupDir := r.GroupDir(storage.GroupUploads)
	if err := os.WriteFile(filepath.Join(groupDir, "aa", ".upload-123.tmp"), nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(groupDir, "README"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	got := collect(t, s, groupDir)
	want := []string{idA, idB, idC}
	if !slices.Equal(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
}

func TestList_MissingDirIsEmpty(t *testing.T) {
	s, r := newTestStorage(t)
	if got := collect(t, s, r.GroupDir(storage.GroupThumbnails)); len(got) != 0 {
		t.Errorf("List() = %v, want empty", got)
	}
}

func TestList_StopsEarly(t *testing.T) {
	s, r := newTestStorage(t)
	ctx := context.Background()
	for _, id := range []string{idA, idB, idC} {
		if _, err := s.Write(ctx, mustResolve(t, r, id, storage.GroupUploads), strings.NewReader("x"), 1); err != nil {
			t.Fatal(err)
		}
	}

	n := 0
	for range s.List(ctx, r.GroupDir(storage.GroupUploads)) {
		n++
		break
	}
	if n != 1 {
		t.Errorf("iterations = %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Rename
// ---------------------------------------------------------------------------

func TestRename(t *testing.T) {
	s, r := newTestStorage(t)
	ctx := context.Background()
	if _, err := s.Write(ctx, mustResolve(t, r, idA, storage.GroupUploads), strings.NewReader("x"), 1); err != nil {
		t.Fatal(err)
	}

	from := r.ProjectPath()
	to := from + ".1.trash"
	if err := s.Rename(ctx, from, to); err != nil {
		t.Fatalf("Rename() error: %v", err)
	}
	if _, err := os.Stat(to); err != nil {
		t.Errorf("renamed directory missing: %v", err)
	}
	if err := s.Rename(ctx, from, to+"2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Rename() of missing dir error = %v, want ErrNotFound", err)
	}
}
