package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sigeti/reports/internal/lease"
)

// Runner wakes the dispatcher on a cron schedule. Ticks that find the
// previous pass still running, or another process holding the leader
// lease, are skipped.
type Runner struct {
	d       *Dispatcher
	locker  lease.Locker
	owner   string
	spec    string
	ttl     time.Duration
	log     zerolog.Logger
	parser  cron.Parser
	mu      sync.Mutex
	c       *cron.Cron
	cancel  context.CancelFunc
	running atomic.Bool
	metrics *RunnerMetrics
}

type RunnerMetrics struct {
	mutex               sync.RWMutex
	totalPasses         uint64
	failedPasses        uint64
	skippedTicks        uint64
	totalProcessingTime time.Duration
	lastPass            time.Time
	outcomes            map[Outcome]uint64
}

// MetricsSnapshot is a copy of the runner counters.
type MetricsSnapshot struct {
	TotalPasses         uint64
	FailedPasses        uint64
	SkippedTicks        uint64
	TotalProcessingTime time.Duration
	LastPass            time.Time
	Outcomes            map[Outcome]uint64
}

// NewRunner drives d every spec (robfig/cron syntax, "@every 1m" by
// default). leaderTTL should exceed the longest expected pass.
func NewRunner(d *Dispatcher, locker lease.Locker, spec string, leaderTTL time.Duration, log zerolog.Logger) *Runner {
	if spec == "" {
		spec = "@every 1m"
	}
	if leaderTTL <= 0 {
		leaderTTL = 10 * time.Minute
	}
	if locker == nil {
		locker = d.Locker
	}
	return &Runner{
		d:       d,
		locker:  locker,
		owner:   lease.NewOwner(),
		spec:    spec,
		ttl:     leaderTTL,
		log:     log,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		metrics: &RunnerMetrics{outcomes: make(map[Outcome]uint64)},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}

	r.d.Resume()
	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithParser(r.parser), cron.WithLocation(r.d.Clock.Location()))
	if _, err := c.AddFunc(r.spec, func() { r.Tick(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("invalid dispatcher spec %q: %w", r.spec, err)
	}
	r.c, r.cancel = c, cancel
	c.Start()
	r.log.Info().Str("spec", r.spec).Str("tz", r.d.Clock.Location().String()).Msg("dispatcher started")
	return nil
}

// Stop requests a soft stop of the running pass and waits for it to end,
// or for ctx to expire, in which case in-flight I/O is cancelled.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return
	}
	r.d.Stop()
	select {
	case <-r.c.Stop().Done():
	case <-ctx.Done():
	}
	r.cancel()
	r.c = nil
	if _, err := r.locker.ReleaseLease(context.Background(), lease.LeaderKey, r.owner); err != nil {
		r.log.Warn().Err(err).Msg("failed to release leader lease")
	}
	r.log.Info().Msg("dispatcher stopped")
}

// Tick runs one pass if this process is the leader and no pass is running.
func (r *Runner) Tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.skip("previous pass still running")
		return
	}
	defer r.running.Store(false)

	leader, err := lease.Hold(ctx, r.locker, lease.LeaderKey, r.owner, r.ttl)
	if err != nil {
		r.log.Error().Err(err).Msg("leader lease check failed")
		r.skip("leader lease unavailable")
		return
	}
	if !leader {
		r.skip("not the leader")
		return
	}

	start := time.Now()
	res, err := r.d.RunPass(ctx)
	r.record(res, err, time.Since(start))
	if err != nil {
		r.log.Error().Err(err).Msg("dispatch pass failed")
	}
}

func (r *Runner) skip(reason string) {
	r.metrics.mutex.Lock()
	r.metrics.skippedTicks++
	r.metrics.mutex.Unlock()
	r.log.Debug().Str("reason", reason).Msg("tick skipped")
}

func (r *Runner) record(res Result, err error, took time.Duration) {
	m := r.metrics
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.totalPasses++
	m.totalProcessingTime += took
	m.lastPass = time.Now()
	if err != nil {
		m.failedPasses++
	}
	for o, n := range res.Counts {
		m.outcomes[o] += uint64(n)
	}
}

func (r *Runner) Metrics() MetricsSnapshot {
	m := r.metrics
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := MetricsSnapshot{
		TotalPasses:         m.totalPasses,
		FailedPasses:        m.failedPasses,
		SkippedTicks:        m.skippedTicks,
		TotalProcessingTime: m.totalProcessingTime,
		LastPass:            m.lastPass,
		Outcomes:            make(map[Outcome]uint64, len(m.outcomes)),
	}
	for o, n := range m.outcomes {
		out.Outcomes[o] = n
	}
	return out
}
