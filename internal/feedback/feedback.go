package feedback

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/allenxing4071/aicoin-sub002/internal/logger"
	"github.com/allenxing4071/aicoin-sub002/internal/router"
	"github.com/allenxing4071/aicoin-sub002/internal/store"
)

const (
	defaultWindow     = 500
	refreshInterval   = 5 * time.Minute
	lessonHalfLife    = 72 * time.Hour
	minLessonCycles   = 3
	reliabilityFloor  = 0.1
	refreshMailboxCap = 1
)

// Service owns the feedback loop: synchronous outcome appends on the cycle
// path, and asynchronous aggregation into the memory snapshot the router
// reads at render time. The scheduler never blocks on aggregation.
type Service struct {
	store  *store.Store
	window int

	memory atomic.Value // router.Memory
	notify chan struct{}
	nowFn  func() time.Time
}

func NewService(st *store.Store) *Service {
	s := &Service{
		store:  st,
		window: defaultWindow,
		notify: make(chan struct{}, refreshMailboxCap),
		nowFn:  time.Now,
	}
	s.memory.Store(router.Memory{})
	return s
}

// Memory returns the latest published snapshot. Immutable; safe for
// concurrent readers.
func (s *Service) Memory() router.Memory {
	return s.memory.Load().(router.Memory)
}

// RecordOutcome appends synchronously; the write must succeed or the caller
// marks the cycle degraded. Aggregation is only nudged, never awaited.
func (s *Service) RecordOutcome(ctx context.Context, rec store.OutcomeRecord) error {
	if err := s.store.AppendOutcome(ctx, rec); err != nil {
		return err
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Start runs the aggregation loop until ctx is cancelled. Eventually
// consistent: a failed refresh just leaves the previous snapshot in place.
func (s *Service) Start(ctx context.Context) {
	if err := s.refresh(ctx); err != nil {
		logger.Warnf("feedback: initial aggregation failed: %v", err)
	}
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		case <-ticker.C:
		}
		if err := s.refresh(ctx); err != nil {
			logger.Warnf("feedback: aggregation failed: %v", err)
		}
	}
}

func (s *Service) refresh(ctx context.Context) error {
	outcomes, err := s.store.RecentOutcomes(ctx, s.window)
	if err != nil {
		return err
	}

	var (
		stats       map[string]router.Perf
		reliability map[string]float64
		lessons     []router.Lesson
	)
	eg, _ := errgroup.WithContext(ctx)
	eg.Go(func() error {
		stats = aggregateTemplateStats(outcomes)
		return nil
	})
	eg.Go(func() error {
		reliability = aggregateSourceReliability(outcomes)
		return nil
	})
	eg.Go(func() error {
		lessons = deriveLessons(outcomes, s.nowFn())
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	s.memory.Store(router.Memory{
		Lessons:           lessons,
		SourceReliability: reliability,
		TemplateStats:     stats,
		GeneratedAt:       s.nowFn().UTC(),
	})
	logger.Debugf("feedback: published memory snapshot (outcomes=%d lessons=%d templates=%d)",
		len(outcomes), len(lessons), len(stats))
	return nil
}
