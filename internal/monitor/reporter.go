package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "postwatch/pkg/logx"
)

// ReporterConfig schedules the periodic status report. An empty Spec
// disables it.
type ReporterConfig struct {
	Spec     string // cron spec or @every
	Timezone string // IANA TZ, empty for local
}

// Reporter posts Engine.StatsReport to the operator on a cron schedule.
type Reporter struct {
	mu sync.Mutex

	engine *Engine
	log    logx.Logger
	cfg    ReporterConfig

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
}

func NewReporter(e *Engine, cfg ReporterConfig, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{
		engine: e,
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate reports whether cfg would be accepted by Start or Apply.
func (r *Reporter) Validate(cfg ReporterConfig) error {
	if strings.TrimSpace(cfg.Spec) == "" {
		return nil
	}
	if _, err := r.parser.Parse(cfg.Spec); err != nil {
		return fmt.Errorf("report schedule %q: %w", cfg.Spec, err)
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	return nil
}

func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}
	r.ctx = ctx
	return r.startLocked()
}

// Apply reschedules with cfg; a running reporter restarts, a stopped one
// only remembers it.
func (r *Reporter) Apply(cfg ReporterConfig) error {
	if err := r.Validate(cfg); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg == r.cfg {
		return nil
	}
	r.cfg = cfg
	if r.ctx == nil {
		return nil
	}
	r.stopLocked()
	return r.startLocked()
}

func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.ctx = nil
}

func (r *Reporter) startLocked() error {
	spec := strings.TrimSpace(r.cfg.Spec)
	if spec == "" {
		return nil
	}
	loc, err := loadLocation(r.cfg.Timezone)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(r.parser), cron.WithLocation(loc))
	ctx := r.ctx
	if _, err := c.AddFunc(spec, func() { r.send(ctx) }); err != nil {
		return fmt.Errorf("report schedule %q: %w", spec, err)
	}
	c.Start()
	r.c = c
	r.log.Info("status report scheduled", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

func (r *Reporter) stopLocked() {
	if r.c == nil {
		return
	}
	<-r.c.Stop().Done()
	r.c = nil
}

// send must not take r.mu; Stop waits for running jobs while holding it.
func (r *Reporter) send(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()
	if err := r.engine.port.Send(ctx, r.engine.StatsReport(), ""); err != nil {
		r.log.Warn("status report failed", logx.Err(err))
	}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}
