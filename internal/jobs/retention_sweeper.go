// retention_sweeper.go implements the RetentionSweeper background job, which
// periodically deletes project files that were uploaded but never attached to
// an activity. Each pass lists the projects and sweeps them with bounded
// concurrency; a failing project does not stop the others.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/project-storage/project-storage/internal/config"
	"github.com/project-storage/project-storage/internal/safego"
	"github.com/project-storage/project-storage/internal/telemetry"
)

const defaultConcurrency = 4

// ProjectLister lists the names of all projects.
type ProjectLister interface {
	ListNames(ctx context.Context) ([]string, error)
}

// ProjectSweeper deletes the unused files of one project.
type ProjectSweeper interface {
	SweepProject(ctx context.Context, projectName string) (int, error)
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Projects int
	Deleted  int
	Failed   int
}

// RetentionSweeper periodically sweeps every project
type RetentionSweeper struct {
	projects    ProjectLister
	sweeper     ProjectSweeper
	interval    time.Duration
	concurrency int
	stopChan    chan struct{}
}

// NewRetentionSweeper creates a new retention sweeper job
func NewRetentionSweeper(projects ProjectLister, sweeper ProjectSweeper, cfg *config.SweeperConfig) *RetentionSweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &RetentionSweeper{
		projects:    projects,
		sweeper:     sweeper,
		interval:    interval,
		concurrency: concurrency,
		stopChan:    make(chan struct{}),
	}
}

// Start runs a pass immediately and then on every interval until ctx is
// cancelled or Stop is called.
func (s *RetentionSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("retention sweeper started", "interval", s.interval, "concurrency", s.concurrency)

	s.runSweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.runSweep(ctx)
		case <-s.stopChan:
			slog.Info("retention sweeper stopped")
			return
		case <-ctx.Done():
			slog.Info("retention sweeper context cancelled")
			return
		}
	}
}

// Stop stops the retention sweeper
func (s *RetentionSweeper) Stop() {
	close(s.stopChan)
}

func (s *RetentionSweeper) runSweep(ctx context.Context) {
	defer safego.Recover("retention-sweeper")

	res, err := s.RunOnce(ctx)
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return
	}
	slog.Info("retention sweep completed", "projects", res.Projects, "deleted", res.Deleted, "failed", res.Failed)
}

// RunOnce sweeps the named projects, or all projects when none are named.
// Only a failure to list the projects is returned as an error.
func (s *RetentionSweeper) RunOnce(ctx context.Context, projectNames ...string) (SweepResult, error) {
	start := time.Now()

	if len(projectNames) == 0 {
		names, err := s.projects.ListNames(ctx)
		if err != nil {
			return SweepResult{}, fmt.Errorf("failed to list projects: %w", err)
		}
		projectNames = names
	}

	var deleted, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, name := range projectNames {
		g.Go(func() error {
			defer safego.Recover("sweep " + name)
			n, err := s.sweeper.SweepProject(gctx, name)
			if err != nil {
				failed.Add(1)
				telemetry.SweepFailuresTotal.Inc()
				slog.Warn("failed to sweep project", "project", name, "error", err)
				return nil
			}
			deleted.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	telemetry.SweepRunsTotal.Inc()
	telemetry.SweepFilesDeletedTotal.Add(float64(deleted.Load()))
	telemetry.SweepDuration.Observe(time.Since(start).Seconds())

	return SweepResult{
		Projects: len(projectNames),
		Deleted:  int(deleted.Load()),
		Failed:   int(failed.Load()),
	}, nil
}
