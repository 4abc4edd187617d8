package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	streakerrors "github.com/devrev/streakd/internal/errors"
	"github.com/devrev/streakd/internal/progression"
)

// Job names a recurring job
type Job string

const (
	JobDailyReset    Job = "daily-reset"
	JobWeeklyReport  Job = "weekly-report"
	JobLeaderboard   Job = "leaderboard"
	JobMonthlyReport Job = "monthly-report"
)

// Jobs returns every job in run order
func Jobs() []Job {
	return []Job{JobDailyReset, JobWeeklyReport, JobLeaderboard, JobMonthlyReport}
}

// ParseJob parses a job name
func ParseJob(name string) (Job, error) {
	for _, j := range Jobs() {
		if string(j) == name {
			return j, nil
		}
	}
	names := make([]string, 0, len(Jobs()))
	for _, j := range Jobs() {
		names = append(names, string(j))
	}
	return "", streakerrors.UnknownField(name, names)
}

// Engine runs the per-guild body of each job
type Engine interface {
	DailyReset(ctx context.Context, guildID string) (*progression.ResetSummary, error)
	WeeklyReport(ctx context.Context, guildID string) (*progression.ReportSummary, error)
	AnnounceLeaders(ctx context.Context, guildID string) (*progression.LeaderSummary, error)
	MonthlyReport(ctx context.Context, guildID string) (*progression.ReportSummary, error)
}

// GuildLister lists every guild a job runs over
type GuildLister interface {
	ListGuilds() ([]string, error)
}

// Observer receives job instrumentation
type Observer interface {
	RecordJobRun(job, status string, duration float64, tenants, failures int)
}

// Config holds scheduler configuration
type Config struct {
	Daily       Schedule
	Weekly      Schedule
	Leaderboard Schedule
	Monthly     Schedule
	// Concurrency bounds how many guilds a run processes at once
	Concurrency int
	// MaxSegment caps a single timer wait; longer waits are chained
	MaxSegment time.Duration
	Now        func() time.Time
	Observer   Observer
}

// GuildResult is one guild's outcome within a run
type GuildResult struct {
	GuildID string      `json:"guild_id"`
	Error   string      `json:"error,omitempty"`
	Summary interface{} `json:"summary,omitempty"`
}

// RunReport describes one run of a job over every guild
type RunReport struct {
	Job      Job           `json:"job"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Guilds   int           `json:"guilds"`
	Failures int           `json:"failures"`
	Results  []GuildResult `json:"results"`
}

// Scheduler runs the recurring progression jobs over every guild
type Scheduler struct {
	config *Config
	engine Engine
	guilds GuildLister
	logger *zap.Logger
	now    func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler; Start arms its timers
func New(cfg *Config, engine Engine, guilds GuildLister, logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		config:   cfg,
		engine:   engine,
		guilds:   guilds,
		logger:   logger,
		now:      cfg.Now,
		stopChan: make(chan struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.config.Concurrency < 1 {
		s.config.Concurrency = 1
	}
	return s
}

// Start arms a timer loop for every configured job
func (s *Scheduler) Start() {
	jobs := map[Job]Schedule{
		JobDailyReset:    s.config.Daily,
		JobWeeklyReport:  s.config.Weekly,
		JobLeaderboard:   s.config.Leaderboard,
		JobMonthlyReport: s.config.Monthly,
	}
	for _, job := range Jobs() {
		sched := jobs[job]
		if sched == nil {
			continue
		}
		s.wg.Add(1)
		go s.loop(job, sched)
		s.logger.Info("Scheduled job",
			zap.String("job", string(job)),
			zap.String("schedule", fmt.Sprint(sched)),
			zap.Time("next_run", sched.Next(s.now())))
	}
}

// Stop disarms every timer and waits for running jobs to finish. Running
// jobs are not cancelled.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *Scheduler) loop(job Job, sched Schedule) {
	defer s.wg.Done()
	for {
		now := s.now()
		if !s.wait(sched.Next(now).Sub(now)) {
			return
		}
		if _, err := s.RunNow(context.Background(), job); err != nil {
			s.logger.Error("Scheduled job failed",
				zap.String("job", string(job)),
				zap.Error(err))
		}
	}
}

// wait sleeps for d as a chain of timers. Returns false if stopped first.
func (s *Scheduler) wait(d time.Duration) bool {
	for _, seg := range segments(d, s.config.MaxSegment) {
		timer := time.NewTimer(seg)
		select {
		case <-timer.C:
		case <-s.stopChan:
			timer.Stop()
			return false
		}
	}
	select {
	case <-s.stopChan:
		return false
	default:
		return true
	}
}

// RunNow runs job over every guild immediately. Per-guild failures are
// logged and counted in the report; only failing to list guilds is
// returned as an error.
func (s *Scheduler) RunNow(ctx context.Context, job Job) (*RunReport, error) {
	body, err := s.body(job)
	if err != nil {
		return nil, err
	}

	start := s.now()
	guilds, err := s.guilds.ListGuilds()
	if err != nil {
		s.record(job, "error", time.Since(start), 0, 0)
		return nil, streakerrors.InternalError("failed to list guilds", err)
	}

	report := &RunReport{
		Job:     job,
		Started: start,
		Guilds:  len(guilds),
		Results: make([]GuildResult, len(guilds)),
	}

	var eg errgroup.Group
	eg.SetLimit(s.config.Concurrency)
	for i, guildID := range guilds {
		i, guildID := i, guildID
		eg.Go(func() error {
			result := GuildResult{GuildID: guildID}
			summary, err := body(ctx, guildID)
			if err != nil {
				s.logger.Error("Job failed for guild",
					zap.String("job", string(job)),
					zap.String("guild_id", guildID),
					zap.Error(err))
				result.Error = err.Error()
			} else {
				result.Summary = summary
			}
			report.Results[i] = result
			return nil
		})
	}
	_ = eg.Wait()

	for _, r := range report.Results {
		if r.Error != "" {
			report.Failures++
		}
	}
	report.Duration = time.Since(start)

	status := "ok"
	if report.Failures > 0 {
		status = "partial"
	}
	s.record(job, status, report.Duration, report.Guilds, report.Failures)
	s.logger.Info("Job run complete",
		zap.String("job", string(job)),
		zap.Int("guilds", report.Guilds),
		zap.Int("failures", report.Failures),
		zap.Duration("duration", report.Duration))
	return report, nil
}

type guildBody func(ctx context.Context, guildID string) (interface{}, error)

func (s *Scheduler) body(job Job) (guildBody, error) {
	switch job {
	case JobDailyReset:
		return func(ctx context.Context, g string) (interface{}, error) { return s.engine.DailyReset(ctx, g) }, nil
	case JobWeeklyReport:
		return func(ctx context.Context, g string) (interface{}, error) { return s.engine.WeeklyReport(ctx, g) }, nil
	case JobLeaderboard:
		return func(ctx context.Context, g string) (interface{}, error) { return s.engine.AnnounceLeaders(ctx, g) }, nil
	case JobMonthlyReport:
		return func(ctx context.Context, g string) (interface{}, error) { return s.engine.MonthlyReport(ctx, g) }, nil
	}
	return nil, streakerrors.Validation(fmt.Sprintf("unknown job %q", job))
}

func (s *Scheduler) record(job Job, status string, d time.Duration, guilds, failures int) {
	if s.config.Observer != nil {
		s.config.Observer.RecordJobRun(string(job), status, d.Seconds(), guilds, failures)
	}
}
