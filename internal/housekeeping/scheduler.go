// Package housekeeping runs the periodic maintenance jobs: dedupe eviction,
// audit pruning and the heartbeat notice.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "mailwatch/pkg/logx"
)

// Job is one named schedule.
//
// Schedule accepts a cron expression with optional seconds ("0 0 8 * * *",
// "*/5 * * * *"), a descriptor ("@hourly", "@every 10m") or a bare duration
// ("10m"), which is treated as "@every 10m".
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns one cron instance. Jobs never overlap with themselves and a
// panicking job is recovered and logged.
type Scheduler struct {
	mu     sync.Mutex
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	jobs   []Job
	ids    map[string]cron.EntryID
	ctx    context.Context
}

func NewScheduler(timezone string, log logx.Logger) *Scheduler {
	s := &Scheduler{
		log:    log.With(logx.String("comp", "housekeeping")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ids:    map[string]cron.EntryID{},
	}
	s.loc = loadLocation(timezone, s.log)
	return s
}

// NormalizeSchedule turns the accepted schedule forms into a cron spec.
func NormalizeSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q", raw)
	}
	if d < time.Second {
		return "", fmt.Errorf("interval %s is shorter than 1s", d)
	}
	return "@every " + d.String(), nil
}

// Validate reports whether raw is a schedule this scheduler accepts.
func (s *Scheduler) Validate(raw string) error {
	spec, err := NormalizeSchedule(raw)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return nil
}

// Replace swaps the whole job set and the timezone. A running scheduler is
// restarted with the new set.
func (s *Scheduler) Replace(timezone string, jobs []Job) error {
	for _, j := range jobs {
		if strings.TrimSpace(j.Name) == "" || j.Run == nil {
			return fmt.Errorf("job name and func required")
		}
		if err := s.Validate(j.Schedule); err != nil {
			return fmt.Errorf("%s: %w", j.Name, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append([]Job(nil), jobs...)
	s.loc = loadLocation(timezone, s.log)
	if s.c != nil {
		s.restartLocked()
	}
	return nil
}

// Start runs the jobs until Stop. Job contexts derive from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.restartLocked()
}

// Stop waits for running jobs or until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next activation of the named job, or zero when unknown.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[name]
	if !ok || s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(id).Next
}

func (s *Scheduler) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.ids = map[string]cron.EntryID{}
	for _, j := range s.jobs {
		spec, _ := NormalizeSchedule(j.Schedule)
		id, err := s.c.AddJob(spec, s.wrap(j))
		if err != nil {
			s.log.Warn("schedule rejected", logx.String("job", j.Name), logx.Err(err))
			continue
		}
		s.ids[j.Name] = id
		s.log.Debug("schedule registered",
			logx.String("job", j.Name),
			logx.String("spec", spec),
			logx.Time("next", s.nextLocked(spec)),
		)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.ids)))
}

func (s *Scheduler) nextLocked(spec string) time.Time {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now().In(s.loc))
}

func (s *Scheduler) wrap(j Job) cron.Job {
	parent := s.ctx
	log := s.log.With(logx.String("job", j.Name))
	return cron.FuncJob(func() {
		if parent.Err() != nil {
			return
		}
		ctx := parent
		if j.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parent, j.Timeout)
			defer cancel()
		}
		start := time.Now()
		if err := j.Run(ctx); err != nil {
			log.Warn("job failed", logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		log.Debug("job done", logx.Duration("took", time.Since(start)))
	})
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron's logger for the job wrappers.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
