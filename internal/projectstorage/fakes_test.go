package projectstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/project-storage/project-storage/internal/cdn"
	"github.com/project-storage/project-storage/internal/db/models"
	"github.com/project-storage/project-storage/internal/storage"
)

const (
	idA = "aa000000000000000000000000000001"
	idB = "bb000000000000000000000000000002"
	idC = "cc000000000000000000000000000003"
)

var projectCreated = time.Unix(1700000000, 0).UTC()

type fakeProjects struct {
	project *models.Project
	err     error
	calls   int
}

func (f *fakeProjects) GetByName(_ context.Context, name string) (*models.Project, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.project == nil || f.project.Name != name {
		return nil, nil
	}
	return f.project, nil
}

type fakeFiles struct {
	mu        sync.Mutex
	rows      []models.File
	deleted   []string
	listErr   error
	deleteErr error
}

func (f *fakeFiles) ListUnused(_ context.Context, _ string, cutoff time.Time) ([]models.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.File
	for _, r := range f.rows {
		if !r.ActivityID.Valid && r.UpdatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeFiles) DeleteWithScrub(_ context.Context, _ string, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, fileID)
	kept := f.rows[:0]
	for _, r := range f.rows {
		if r.ID != fileID {
			kept = append(kept, r)
		}
	}
	f.rows = kept
	return nil
}

type fakeInstance struct {
	id    string
	err   error
	calls int
}

func (f *fakeInstance) InstanceID(context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

type fakeCDN struct {
	enabled bool
	link    *cdn.Link
	err     error
	got     cdn.Request
}

func (f *fakeCDN) Enabled() bool { return f.enabled }

func (f *fakeCDN) Resolve(_ context.Context, req cdn.Request) (*cdn.Link, error) {
	f.got = req
	return f.link, f.err
}

type fakePreviews struct {
	keys []string
	err  error
}

func (f *fakePreviews) Invalidate(_ context.Context, projectName, fileID string) error {
	f.keys = append(f.keys, projectName+"."+fileID)
	return f.err
}

type fakeMedia struct {
	source string
}

func (f *fakeMedia) Extract(_ context.Context, source string) (map[string]any, error) {
	f.source = source
	return map[string]any{"duration": 1.5}, nil
}

// memBackend is an in-memory object store with signed URL support.
type memBackend struct {
	mu        sync.Mutex
	objects   map[string][]byte
	calls     int
	deleteErr error
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string][]byte)}
}

func (m *memBackend) Name() string { return "s3" }

func (m *memBackend) Write(_ context.Context, p string, r io.Reader, _ int64) (*storage.WriteResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.objects[p] = data
	return &storage.WriteResult{Path: p, Size: int64(len(data))}, nil
}

func (m *memBackend) CopyIn(ctx context.Context, p, src string) (*storage.WriteResult, error) {
	return storage.CopyFile(ctx, m, p, src)
}

func (m *memBackend) Read(_ context.Context, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	data, ok := m.objects[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}
	return data, nil
}

func (m *memBackend) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	data, err := m.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBackend) Delete(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.deleteErr != nil {
		return false, m.deleteErr
	}
	if _, ok := m.objects[p]; !ok {
		return false, nil
	}
	delete(m.objects, p)
	return true, nil
}

func (m *memBackend) Exists(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	_, ok := m.objects[p]
	return ok, nil
}

func (m *memBackend) List(_ context.Context, groupDir string) iter.Seq2[string, error] {
	m.mu.Lock()
	var ids []string
	for k := range m.objects {
		if strings.HasPrefix(k, groupDir+"/") {
			ids = append(ids, path.Base(k))
		}
	}
	m.calls++
	m.mu.Unlock()
	sort.Strings(ids)
	return func(yield func(string, error) bool) {
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (m *memBackend) SignedURL(_ context.Context, p string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return fmt.Sprintf("https://bucket.example/%s?X-Amz-Expires=%d", p, int(ttl.Seconds())), nil
}

func (m *memBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var errBoom = errors.New("boom")
