package worker

import (
	"context"
	"time"

	"saassync/internal/metrics"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CronFunc is a scheduled trigger. It usually fans out events through the bus.
type CronFunc func(ctx context.Context) (any, error)

type cronEntry struct {
	id       string
	schedule string
	run      CronFunc
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger *zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

func (b *Bus) newCron(ctx context.Context) (*cron.Cron, error) {
	clog := cronLogger{logger: b.logger}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	for _, entry := range b.crons {
		entry := entry
		_, err := c.AddFunc(entry.schedule, func() { b.runCron(ctx, entry) })
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// TriggerCron runs a registered cron function immediately.
func (b *Bus) TriggerCron(ctx context.Context, id string) (any, error) {
	for _, entry := range b.crons {
		if entry.id == id {
			return entry.run(ctx)
		}
	}
	return nil, ErrUnknownFunction
}

func (b *Bus) runCron(ctx context.Context, entry cronEntry) {
	start := time.Now()
	result, err := entry.run(ctx)
	if err != nil {
		metrics.IncCron(entry.id, "error")
		b.logger.Error().Err(err).Str("cron", entry.id).Dur("duration", time.Since(start)).Msg("cron run failed")
		return
	}
	metrics.IncCron(entry.id, "ok")
	b.logger.Info().Str("cron", entry.id).Interface("result", result).Dur("duration", time.Since(start)).Msg("cron run completed")
}
