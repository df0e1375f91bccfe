package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/eddiefleurent/scranton_wheel/internal/engine"
)

// scheduledOps is the part of the engine driven by cron.
type scheduledOps interface {
	Scan(ctx context.Context) (*engine.ScanSummary, error)
	Run(ctx context.Context) (*engine.RunSummary, error)
	Monitor(ctx context.Context) (*engine.MonitorSummary, error)
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

// scheduler fires engine operations on cron expressions in the market timezone.
type scheduler struct {
	cron   *cron.Cron
	logger logrus.FieldLogger
	jobs   []string
}

// newScheduler registers a job for every non-empty expression in cfg.
// Expressions carry a seconds field, e.g. "0 40 9 * * MON-FRI".
func newScheduler(ctx context.Context, cfg config.ScheduleConfig, loc *time.Location, ops scheduledOps, logger logrus.FieldLogger) (*scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "scheduler")

	s := &scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
		),
		logger: logger,
	}

	jobs := []job{
		{name: "scan", spec: cfg.ScanCron, run: func(ctx context.Context) error {
			_, err := ops.Scan(ctx)
			return err
		}},
		{name: "run", spec: cfg.RunCron, run: func(ctx context.Context) error {
			_, err := ops.Run(ctx)
			return err
		}},
		{name: "monitor", spec: cfg.MonitorCron, run: func(ctx context.Context) error {
			_, err := ops.Monitor(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := s.add(ctx, j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *scheduler) add(ctx context.Context, j job) error {
	_, err := s.cron.AddFunc(j.spec, func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		s.logger.WithField("job", j.name).Debug("Running job")
		if err := j.run(ctx); err != nil {
			s.logger.WithError(err).WithField("job", j.name).Error("Job failed")
			return
		}
		s.logger.WithFields(logrus.Fields{
			"job":      j.name,
			"duration": time.Since(start).String(),
		}).Info("Job completed")
	})
	if err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", j.name, j.spec, err)
	}
	s.jobs = append(s.jobs, j.name)
	s.logger.WithFields(logrus.Fields{"job": j.name, "schedule": j.spec}).Info("Job registered")
	return nil
}

func (s *scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("jobs", len(s.jobs)).Info("Scheduler started")
}

// Stop waits for running jobs to finish.
func (s *scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}
