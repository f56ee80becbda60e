package migrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/logging"
)

// Schedule runs RunAll on a standard cron spec ("*/15 * * * *", "@hourly",
// "@every 10m") until ctx is done. Each run resumes from the checkpoints; a
// tick that fires while the previous run is still going is skipped.
func (m *migrator) Schedule(ctx context.Context, spec string, opts ...RunOption) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return errors.NewConfigError("schedule", fmt.Sprintf("invalid cron spec %q", spec), err)
	}

	logger := logging.FromContext(ctx)
	cl := cronLogger{logger.With().Str("component", "scheduler").Logger()}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	c.Schedule(schedule, cron.FuncJob(func() {
		report, err := m.RunAll(ctx, opts...)
		switch {
		case err != nil && report == nil:
			logger.Error().Err(err).Msg("Scheduled migration did not start")
		case err != nil:
			logger.Error().Err(err).Str("run_id", report.RunID).Msg("Scheduled migration failed")
		default:
			logger.Info().Str("run_id", report.RunID).Dur("duration", report.Duration()).Msg("Scheduled migration finished")
		}
	}))

	loop := make(chan struct{})
	go func() {
		defer close(loop)
		c.Run()
	}()
	logger.Info().Str("schedule", spec).Time("next", schedule.Next(m.opts.now())).Msg("Migration scheduler started")

	<-ctx.Done()
	// Stop is a no-op until Run has marked the scheduler running.
	jobs := c.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for exited := false; !exited; {
		select {
		case <-loop:
			exited = true
		case <-tick.C:
			jobs = c.Stop()
		}
	}
	<-jobs.Done()
	logger.Info().Msg("Migration scheduler stopped")
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
