package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/project-storage/project-storage/internal/config"
)

type fakeLister struct {
	names []string
	err   error
}

func (f *fakeLister) ListNames(context.Context) ([]string, error) {
	return f.names, f.err
}

type fakeSweeper struct {
	mu       sync.Mutex
	swept    []string
	deleted  map[string]int
	failures map[string]error
	panics   map[string]bool

	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
}

func (f *fakeSweeper) SweepProject(_ context.Context, name string) (int, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	f.swept = append(f.swept, name)
	f.mu.Unlock()

	if f.panics[name] {
		panic("sweep exploded")
	}
	if err := f.failures[name]; err != nil {
		return 0, err
	}
	return f.deleted[name], nil
}

func (f *fakeSweeper) sweptNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.swept...)
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// NewRetentionSweeper: defaults
// ---------------------------------------------------------------------------

func TestNewRetentionSweeper_Defaults(t *testing.T) {
	s := NewRetentionSweeper(nil, nil, &config.SweeperConfig{})
	if s.interval != 10*time.Minute {
		t.Errorf("interval = %v, want 10m", s.interval)
	}
	if s.concurrency != defaultConcurrency {
		t.Errorf("concurrency = %d, want %d", s.concurrency, defaultConcurrency)
	}
	if s.stopChan == nil {
		t.Error("stopChan should not be nil")
	}
}

func TestNewRetentionSweeper_Custom(t *testing.T) {
	s := NewRetentionSweeper(nil, nil, &config.SweeperConfig{Interval: time.Hour, Concurrency: 2})
	if s.interval != time.Hour || s.concurrency != 2 {
		t.Errorf("got interval=%v concurrency=%d", s.interval, s.concurrency)
	}
}

// ---------------------------------------------------------------------------
// RunOnce
// ---------------------------------------------------------------------------

func TestRunOnce_AllProjects(t *testing.T) {
	sw := &fakeSweeper{
		deleted:  map[string]int{"alpha": 2, "beta": 3},
		failures: map[string]error{"gamma": errors.New("db down")},
	}
	s := NewRetentionSweeper(&fakeLister{names: []string{"alpha", "beta", "gamma"}}, sw, &config.SweeperConfig{})

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	want := SweepResult{Projects: 3, Deleted: 5, Failed: 1}
	if res != want {
		t.Errorf("result = %+v, want %+v", res, want)
	}
	if got := sw.sweptNames(); len(got) != 3 {
		t.Errorf("swept %v, want all three projects", got)
	}
}

func TestRunOnce_NamedProjects(t *testing.T) {
	lister := &fakeLister{err: errors.New("must not be called")}
	sw := &fakeSweeper{deleted: map[string]int{"beta": 1}}
	s := NewRetentionSweeper(lister, sw, &config.SweeperConfig{})

	res, err := s.RunOnce(context.Background(), "beta")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Projects != 1 || res.Deleted != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunOnce_ListFailure(t *testing.T) {
	s := NewRetentionSweeper(&fakeLister{err: errors.New("db down")}, &fakeSweeper{}, &config.SweeperConfig{})
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error when projects cannot be listed")
	}
}

func TestRunOnce_PanicIsContained(t *testing.T) {
	sw := &fakeSweeper{
		deleted: map[string]int{"beta": 4},
		panics:  map[string]bool{"alpha": true},
	}
	s := NewRetentionSweeper(&fakeLister{names: []string{"alpha", "beta"}}, sw, &config.SweeperConfig{})

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Deleted != 4 {
		t.Errorf("deleted = %d, want 4", res.Deleted)
	}
}

func TestRunOnce_BoundedConcurrency(t *testing.T) {
	sw := &fakeSweeper{delay: 20 * time.Millisecond}
	names := []string{"a", "b", "c", "d", "e", "f"}
	s := NewRetentionSweeper(&fakeLister{names: names}, sw, &config.SweeperConfig{Concurrency: 2})

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := sw.maxActive.Load(); got > 2 {
		t.Errorf("max concurrent sweeps = %d, want <= 2", got)
	}
	if got := len(sw.sweptNames()); got != len(names) {
		t.Errorf("swept %d projects, want %d", got, len(names))
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func TestStart_RunsImmediatelyAndStops(t *testing.T) {
	sw := &fakeSweeper{}
	s := NewRetentionSweeper(&fakeLister{names: []string{"alpha"}}, sw, &config.SweeperConfig{Interval: time.Hour})

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(sw.sweptNames()) == 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper did not run on start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestStart_ContextCancel(t *testing.T) {
	s := NewRetentionSweeper(&fakeLister{}, &fakeSweeper{}, &config.SweeperConfig{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
