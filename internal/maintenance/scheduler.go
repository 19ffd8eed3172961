// Package maintenance drives checkpoints and merges on a timer. The engine
// never schedules them itself.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"layerdb/pkg/listener"
	"layerdb/pkg/merge"
)

// Engine is the part of the engine the scheduler drives.
type Engine interface {
	WorkingSize() int64
	FlushWorkingSegment() error
	GetBestCandidate() (merge.Candidate, bool, error)
	PerformMerge(c merge.Candidate) error
}

type Scheduler struct {
	engine    Engine
	threshold int64
	interval  time.Duration
	logger    *slog.Logger

	ticker *time.Ticker
	job    *listener.Listener[time.Time]
}

var _ listener.Job = (*Scheduler)(nil)

// New returns a scheduler that checkpoints once the working layer holds at
// least threshold bytes and then merges while the policy finds candidates.
func New(e Engine, threshold int64, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:    e,
		threshold: threshold,
		interval:  interval,
		logger:    logger.With("component", "maintenance"),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.ticker = time.NewTicker(s.interval)
	s.job = listener.New("maintenance", s.ticker.C, func(time.Time) error {
		_, err := s.RunOnce()
		return err
	},
		listener.WithStopHandler(s.ticker.Stop),
		listener.WithLogger(s.logger),
		listener.WithErrorHandler(func(err error) {
			s.logger.Error("maintenance pass failed", "err", err)
		}))
	s.job.Start(ctx)
	s.logger.Info("maintenance started", "interval", s.interval, "threshold", s.threshold)
}

func (s *Scheduler) Stop() {
	if s.job != nil {
		s.job.Stop()
	}
}

// Report describes one pass.
type Report struct {
	Flushed bool
	Merges  int
}

// maxMergesPerPass bounds the merges run back to back in one pass.
const maxMergesPerPass = 4

// RunOnce performs one pass.
func (s *Scheduler) RunOnce() (Report, error) {
	var rep Report
	if size := s.engine.WorkingSize(); size >= s.threshold {
		if err := s.engine.FlushWorkingSegment(); err != nil {
			return rep, err
		}
		rep.Flushed = true
		s.logger.Debug("working layer checkpointed", "bytes", size)
	}
	for rep.Merges < maxMergesPerPass {
		c, ok, err := s.engine.GetBestCandidate()
		if err != nil {
			return rep, err
		}
		if !ok {
			break
		}
		if err := s.engine.PerformMerge(c); err != nil {
			return rep, err
		}
		rep.Merges++
	}
	return rep, nil
}
