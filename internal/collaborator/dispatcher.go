package collaborator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	streakerrors "github.com/devrev/streakd/internal/errors"
	"github.com/devrev/streakd/internal/util/workerpool"
)

// Observer receives dispatcher instrumentation
type Observer interface {
	RecordCommand(kind, status string, duration float64)
	UpdateCommandQueueLength(n int)
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	Workers       int
	QueueSize     int
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	Observer      Observer
}

// Dispatcher executes commands asynchronously on a worker pool, throttled
// to the platform's rate limit. Command failures are logged and counted,
// never returned to the code that emitted the command.
type Dispatcher struct {
	collab   Collaborator
	pool     *workerpool.Pool
	limiter  *rate.Limiter
	timeout  time.Duration
	observer Observer
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher and starts its workers
func NewDispatcher(cfg *DispatcherConfig, collab Collaborator, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		collab:   collab,
		timeout:  cfg.Timeout,
		observer: cfg.Observer,
		logger:   logger,
	}
	if d.timeout <= 0 {
		d.timeout = 10 * time.Second
	}
	if d.observer == nil {
		d.observer = nopObserver{}
	}

	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	d.limiter = rate.NewLimiter(limit, burst)

	d.pool = workerpool.New(&workerpool.Config{
		Name:          "collaborator",
		MaxWorkers:    cfg.Workers,
		QueueSize:     cfg.QueueSize,
		OnQueueChange: d.observer.UpdateCommandQueueLength,
		Logger:        logger,
	})
	return d
}

// Collaborator returns the client commands are executed against
func (d *Dispatcher) Collaborator() Collaborator {
	return d.collab
}

// Dispatch queues commands for execution. A command that does not fit in
// the queue is dropped and logged.
func (d *Dispatcher) Dispatch(cmds ...Command) {
	for _, cmd := range cmds {
		cmd := cmd
		ok := d.pool.TrySubmit(workerpool.Task{
			ID: cmd.ID,
			Fn: func(ctx context.Context) error {
				return d.Execute(ctx, cmd)
			},
		})
		if !ok {
			d.observer.RecordCommand(string(cmd.Kind), "dropped", 0)
			d.logger.Error("Dropping collaborator command, queue full or stopped",
				zap.String("command_id", cmd.ID),
				zap.String("kind", string(cmd.Kind)),
				zap.String("guild_id", cmd.GuildID))
		}
	}
}

// Execute runs one command synchronously
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) error {
	if err := d.limiter.Wait(ctx); err != nil {
		d.observer.RecordCommand(string(cmd.Kind), "cancelled", 0)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.call(ctx, cmd)
	duration := time.Since(start).Seconds()

	if err == nil {
		d.observer.RecordCommand(string(cmd.Kind), "ok", duration)
		return nil
	}

	if streakerrors.IsDmBlocked(err) {
		d.observer.RecordCommand(string(cmd.Kind), "dm_blocked", duration)
		d.logger.Warn("Direct message blocked",
			zap.String("guild_id", cmd.GuildID),
			zap.String("user_id", cmd.UserID))
		if cmd.FallbackChannelID == "" {
			return nil
		}
		notice := SendMessageCommand(cmd.GuildID, cmd.FallbackChannelID, cmd.FallbackContent)
		if ferr := d.call(ctx, notice); ferr != nil {
			d.observer.RecordCommand(string(notice.Kind), "error", 0)
			return fmt.Errorf("failed to post direct message fallback: %w", ferr)
		}
		d.observer.RecordCommand(string(notice.Kind), "ok", 0)
		return nil
	}

	d.observer.RecordCommand(string(cmd.Kind), "error", duration)
	return fmt.Errorf("command %s %s failed: %w", cmd.Kind, cmd.ID, err)
}

func (d *Dispatcher) call(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case KindGrantRole:
		return d.collab.GrantRole(ctx, cmd.GuildID, cmd.UserID, cmd.RoleID)
	case KindRevokeRole:
		return d.collab.RevokeRole(ctx, cmd.GuildID, cmd.UserID, cmd.RoleID)
	case KindSendMessage:
		return d.collab.SendMessage(ctx, cmd.GuildID, cmd.ChannelID, cmd.Message)
	case KindSendDM:
		return d.collab.SendDirectMessage(ctx, cmd.UserID, cmd.Message.Content)
	default:
		return streakerrors.Validation(fmt.Sprintf("unknown command kind %q", cmd.Kind))
	}
}

// Stats returns the underlying worker pool statistics
func (d *Dispatcher) Stats() workerpool.Stats {
	return d.pool.Stats()
}

// Stop executes the commands still queued and stops the workers
func (d *Dispatcher) Stop(timeout time.Duration) error {
	return d.pool.Stop(timeout)
}

type nopObserver struct{}

func (nopObserver) RecordCommand(string, string, float64) {}
func (nopObserver) UpdateCommandQueueLength(int)          {}
