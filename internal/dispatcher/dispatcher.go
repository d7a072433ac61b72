// Package dispatcher fires due report schedules: it claims each due row,
// gathers the dashboard PDFs, mails them, and seeds the next occurrence of
// recurring series after a successful delivery.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigeti/reports/internal/artifacts"
	"github.com/sigeti/reports/internal/clock"
	"github.com/sigeti/reports/internal/lease"
	"github.com/sigeti/reports/internal/mail"
	"github.com/sigeti/reports/internal/models"
	"github.com/sigeti/reports/internal/notify"
	"github.com/sigeti/reports/internal/recurrence"
	"github.com/sigeti/reports/internal/report"
	"github.com/sigeti/reports/internal/store"
)

type Outcome string

const (
	OutcomeSent                Outcome = "sent"
	OutcomeSkippedNoRecipients Outcome = "skipped_no_recipients"
	OutcomeRenderFailed        Outcome = "render_failed"
	OutcomeTransportFailed     Outcome = "transport_failed"
	OutcomeContention          Outcome = "contention"

	// outcomeStopped marks a row left untouched because a stop was requested.
	outcomeStopped Outcome = "stopped"
)

// Store is the part of the schedule store a pass needs.
type Store interface {
	FindDue(ctx context.Context, now time.Time) ([]models.ReportSchedule, error)
	Claim(ctx context.Context, id uint, at time.Time) error
	MarkSent(ctx context.Context, id uint, at time.Time) error
	MarkFailed(ctx context.Context, id uint, at time.Time, reason string) error
	NoteSkipped(ctx context.Context, id uint, reason string) error
	AttachPdfs(ctx context.Context, id uint, index map[string]string) error
	Insert(ctx context.Context, rec *models.ReportSchedule) error
}

// Sender is implemented by mail.Transport.
type Sender interface {
	Refresh(ctx context.Context) error
	Send(ctx context.Context, msg *mail.Message) error
}

type Deps struct {
	Store    Store
	Cache    *artifacts.Cache
	Renderer report.Renderer
	Sender   Sender
	Notifier notify.Notifier
	Locker   lease.Locker
	Clock    clock.Clock
	Log      zerolog.Logger
}

type Options struct {
	// Brand prefixes mail subjects.
	Brand string
	// CopyArtifacts copies the fired row's PDFs into the spawned child.
	CopyArtifacts bool
	// LockTTL bounds how long one row may stay locked by this process.
	LockTTL time.Duration
}

// Result summarises one pass.
type Result struct {
	Counts  map[Outcome]int
	Spawned int
	Stopped bool
}

func (r Result) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

type Dispatcher struct {
	Deps
	opts     Options
	calc     *recurrence.Calculator
	owner    string
	stopping atomic.Bool
}

func New(deps Deps, opts Options) *Dispatcher {
	if opts.Brand == "" {
		opts.Brand = "SIGETI"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Locker == nil {
		deps.Locker = lease.NewLocalManager()
	}
	return &Dispatcher{
		Deps:  deps,
		opts:  opts,
		calc:  recurrence.NewCalculator(deps.Clock.Location()),
		owner: lease.NewOwner(),
	}
}

// Stop asks a running pass to finish the row in hand and return.
func (d *Dispatcher) Stop() { d.stopping.Store(true) }

// Resume clears a previous Stop so later passes run again.
func (d *Dispatcher) Resume() { d.stopping.Store(false) }

func (d *Dispatcher) stopRequested(ctx context.Context) bool {
	return d.stopping.Load() || ctx.Err() != nil
}

// RunPass processes every due row once, serially, oldest slot first.
func (d *Dispatcher) RunPass(ctx context.Context) (Result, error) {
	res := Result{Counts: make(map[Outcome]int)}
	if err := d.Sender.Refresh(ctx); err != nil {
		return res, fmt.Errorf("failed to refresh smtp config: %w", err)
	}
	rows, err := d.Store.FindDue(ctx, d.Clock.Now())
	if err != nil {
		return res, err
	}

	for i := range rows {
		if d.stopRequested(ctx) {
			res.Stopped = true
			break
		}
		outcome, spawned := d.fire(ctx, &rows[i])
		if outcome == outcomeStopped {
			res.Stopped = true
			break
		}
		res.Counts[outcome]++
		if spawned {
			res.Spawned++
		}
	}
	if len(rows) > 0 {
		d.Log.Info().Int("due", len(rows)).Interface("outcomes", res.Counts).Int("spawned", res.Spawned).Msg("dispatch pass finished")
	}
	return res, nil
}

func (d *Dispatcher) fire(ctx context.Context, row *models.ReportSchedule) (Outcome, bool) {
	tags := row.Tags()
	log := d.Log.With().
		Uint("schedule_id", row.ID).
		Int("occurrence", row.OccurrenceNumber).
		Strs("dashboards", tags).
		Logger()

	key := lease.ScheduleKey(row.ID)
	ok, err := d.Locker.SetLease(ctx, key, d.owner, d.opts.LockTTL)
	if err != nil || !ok {
		log.Debug().Err(err).Str("outcome", string(OutcomeContention)).Msg("schedule locked elsewhere")
		return OutcomeContention, false
	}
	defer func() {
		// release on a fresh context so a cancelled pass does not leak the lock
		if _, err := d.Locker.ReleaseLease(context.Background(), key, d.owner); err != nil {
			log.Warn().Err(err).Msg("failed to release schedule lock")
		}
	}()

	recipients, err := mail.ParseRecipients(row.Recipients)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring invalid recipients")
	}
	if len(recipients) == 0 {
		log.Info().Str("outcome", string(OutcomeSkippedNoRecipients)).Msg("no recipients, leaving schedule due")
		if err := d.Store.NoteSkipped(ctx, row.ID, mail.ErrNoRecipients.Error()); err != nil {
			log.Warn().Err(err).Msg("failed to note skipped schedule")
		}
		return OutcomeSkippedNoRecipients, false
	}
	if d.stopRequested(ctx) {
		return outcomeStopped, false
	}

	if err := d.Store.Claim(ctx, row.ID, d.Clock.Now()); err != nil {
		if !errors.Is(err, store.ErrAlreadyClaimed) {
			log.Error().Err(err).Msg("claim failed")
		}
		return OutcomeContention, false
	}

	// The row is now sent=true: from here on it is never retried, and its
	// bookkeeping must land even if the pass is cancelled mid-flight.
	bg := context.WithoutCancel(ctx)
	attachments, fresh, err := d.collect(ctx, row, tags)
	if err != nil {
		d.fail(bg, row, log, OutcomeRenderFailed, err)
		return OutcomeRenderFailed, false
	}

	msg := d.compose(row, tags, recipients, attachments)
	if err := d.Sender.Send(ctx, msg); err != nil {
		d.fail(bg, row, log, OutcomeTransportFailed, err)
		return OutcomeTransportFailed, false
	}

	sentAt := d.Clock.Now()
	if err := d.Store.MarkSent(bg, row.ID, sentAt); err != nil {
		log.Error().Err(err).Msg("delivered but failed to mark sent")
	}
	index := row.PdfIndex()
	if len(fresh) > 0 {
		if index == nil {
			index = make(map[string]string, len(fresh))
		}
		for tag, p := range fresh {
			index[tag] = p
		}
		if err := d.Store.AttachPdfs(bg, row.ID, index); err != nil {
			log.Warn().Err(err).Msg("failed to attach pdf index")
		}
	}
	log.Info().Str("outcome", string(OutcomeSent)).Int("recipients", len(recipients)).Msg("report delivered")

	return OutcomeSent, d.spawn(bg, row, index, sentAt, log)
}

// collect returns one attachment per tag, in tag order, preferring cached
// PDFs. fresh lists the artifacts rendered and cached during this call.
func (d *Dispatcher) collect(ctx context.Context, row *models.ReportSchedule, tags []string) ([]mail.Attachment, map[string]string, error) {
	if len(tags) == 0 {
		return nil, nil, errors.New("schedule has no dashboards")
	}
	index := row.PdfIndex()
	fresh := make(map[string]string)
	out := make([]mail.Attachment, 0, len(tags))
	for _, tag := range tags {
		var data []byte
		cached := false
		if d.Cache != nil {
			data, cached = d.Cache.Load(ctx, index, tag)
		}
		if !cached {
			var err error
			data, err = d.Renderer.Render(ctx, tag)
			if err != nil {
				return nil, nil, fmt.Errorf("render %s: %w", tag, err)
			}
			if d.Cache != nil {
				if key, err := d.Cache.Store(ctx, row.ID, tag, data); err != nil {
					d.Log.Warn().Err(err).Uint("schedule_id", row.ID).Str("dashboard", tag).Msg("failed to cache rendered pdf")
				} else {
					fresh[tag] = key
				}
			}
		}
		out = append(out, mail.Attachment{
			Name: fmt.Sprintf("report_%s_%d.pdf", tag, row.ID),
			Data: data,
		})
	}
	return out, fresh, nil
}

func (d *Dispatcher) compose(row *models.ReportSchedule, tags, recipients []string, attachments []mail.Attachment) *mail.Message {
	msg := &mail.Message{To: recipients, Attachments: attachments}
	if len(tags) == 1 {
		msg.Subject = fmt.Sprintf("%s - Report: %s", d.opts.Brand, row.Name)
		msg.Body = fmt.Sprintf("Please find attached the %s report (%s).\n", models.DashboardTitle(tags[0]), row.Name)
		return msg
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Please find attached the reports of %s:\n\n", row.Name)
	for _, tag := range tags {
		fmt.Fprintf(&b, "- %s (%s)\n", models.DashboardTitle(tag), tag)
	}
	msg.Subject = fmt.Sprintf("%s - Reports: %s", d.opts.Brand, row.Name)
	msg.Body = b.String()
	return msg
}

func (d *Dispatcher) fail(ctx context.Context, row *models.ReportSchedule, log zerolog.Logger, kind Outcome, cause error) {
	now := d.Clock.Now()
	log.Error().Err(cause).Str("outcome", string(kind)).Msg("report not delivered, series interrupted")
	if err := d.Store.MarkFailed(ctx, row.ID, now, cause.Error()); err != nil {
		log.Error().Err(err).Msg("failed to mark schedule failed")
	}
	err := d.Notifier.NotifyFailure(ctx, notify.Failure{
		ScheduleID: row.ID,
		Name:       row.Name,
		Occurrence: row.OccurrenceNumber,
		Dashboards: row.Tags(),
		Kind:       string(kind),
		Reason:     cause.Error(),
		At:         now,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to notify failure")
	}
}

// spawn inserts the next occurrence of a recurring row. It reports whether
// a child was written.
func (d *Dispatcher) spawn(ctx context.Context, row *models.ReportSchedule, index map[string]string, sentAt time.Time, log zerolog.Logger) bool {
	if !row.Recurs() {
		return false
	}
	rule, err := row.Rule()
	if err != nil {
		log.Error().Err(err).Msg("invalid recurrence, series terminates")
		return false
	}
	anchor := row.ScheduledAt
	rule.Anchor = &anchor

	next, ok := d.calc.Next(rule, sentAt)
	if !ok {
		log.Info().Msg("no further firing, series terminates")
		return false
	}

	child := row.SpawnChild(next)
	if err := d.Store.Insert(ctx, child); err != nil {
		log.Error().Err(err).Time("next", next).Msg("failed to insert next occurrence")
		return false
	}
	log.Info().Uint("child_id", child.ID).Time("next", next).Msg("next occurrence scheduled")

	if d.opts.CopyArtifacts && d.Cache != nil && len(index) > 0 {
		copied, err := d.Cache.CopyTree(ctx, index, child.ID)
		if err != nil {
			log.Warn().Err(err).Msg("failed to copy artifacts to next occurrence")
		}
		if len(copied) > 0 {
			if err := d.Store.AttachPdfs(ctx, child.ID, copied); err != nil {
				log.Warn().Err(err).Msg("failed to attach copied artifacts")
			}
		}
	}
	return true
}
