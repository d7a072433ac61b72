package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigeti/reports/internal/artifacts"
	"github.com/sigeti/reports/internal/clock"
	"github.com/sigeti/reports/internal/config"
	"github.com/sigeti/reports/internal/database"
	"github.com/sigeti/reports/internal/lease"
	"github.com/sigeti/reports/internal/mail"
	"github.com/sigeti/reports/internal/models"
	"github.com/sigeti/reports/internal/notify"
	"github.com/sigeti/reports/internal/recurrence"
	"github.com/sigeti/reports/internal/store"
	"gopkg.in/gomail.v2"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type fakeDialer struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (d *fakeDialer) DialAndSend(msgs ...*gomail.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	for _, m := range msgs {
		var buf bytes.Buffer
		if _, err := m.WriteTo(&buf); err != nil {
			return err
		}
		d.sent = append(d.sent, buf.String())
	}
	return nil
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *fakeRenderer) Render(_ context.Context, tag string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, tag)
	if err := r.fail[tag]; err != nil {
		return nil, err
	}
	return []byte("%PDF-1.4 " + tag), nil
}

type recordingNotifier struct {
	failures []notify.Failure
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, f notify.Failure) error {
	n.failures = append(n.failures, f)
	return nil
}

// cancellingSender delivers through the real transport, then cancels the
// pass as a shutdown signal landing right after the mail went out would.
type cancellingSender struct {
	Sender
	cancel context.CancelFunc
}

func (s *cancellingSender) Send(ctx context.Context, msg *mail.Message) error {
	if err := s.Sender.Send(ctx, msg); err != nil {
		return err
	}
	s.cancel()
	return nil
}

// stoppingLocker requests a soft stop as soon as a row lock is taken.
type stoppingLocker struct {
	lease.Locker
	stop func()
}

func (l *stoppingLocker) SetLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.Locker.SetLease(ctx, key, owner, ttl)
	l.stop()
	return ok, err
}

type harness struct {
	t        *testing.T
	store    *store.Schedules
	smtp     *store.SMTPConfigs
	clock    *clock.Fixed
	dialer   *fakeDialer
	renderer *fakeRenderer
	notifier *recordingNotifier
	cache    *artifacts.Cache
	locker   *lease.LocalManager
	d        *Dispatcher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "reports.db"))
	assert.NilError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	loc, err := time.LoadLocation("Africa/Abidjan")
	assert.NilError(t, err)

	h := &harness{
		t:        t,
		store:    store.NewSchedules(db, loc),
		smtp:     store.NewSMTPConfigs(db),
		clock:    clock.NewFixed(time.Date(2025, 11, 18, 10, 22, 0, 0, loc), loc),
		dialer:   &fakeDialer{},
		renderer: &fakeRenderer{fail: map[string]error{}},
		notifier: &recordingNotifier{},
		locker:   lease.NewLocalManager(),
	}
	backend, err := artifacts.NewLocalBackend(t.TempDir())
	assert.NilError(t, err)
	h.cache = artifacts.NewCache(backend, zerolog.Nop())

	transport := mail.NewTransport(config.SMTP{Host: "localhost", Port: 25, From: "noreply@sigeti.ci", Timeout: time.Second}, h.smtp, h.clock, zerolog.Nop()).
		WithDialerFactory(func(config.SMTP) mail.Dialer { return h.dialer })

	h.d = New(Deps{
		Store:    h.store,
		Cache:    h.cache,
		Renderer: h.renderer,
		Sender:   transport,
		Notifier: h.notifier,
		Locker:   h.locker,
		Clock:    h.clock,
		Log:      zerolog.Nop(),
	}, opts)
	return h
}

func (h *harness) insert(name, recipients string, tags []string, at time.Time, mutate func(*models.ReportSchedule)) *models.ReportSchedule {
	rec := &models.ReportSchedule{Name: name, Recipients: recipients, ScheduledAt: at}
	rec.SetDashboards(tags)
	if mutate != nil {
		mutate(rec)
	}
	assert.NilError(h.t, h.store.Insert(context.Background(), rec))
	return rec
}

func (h *harness) get(id uint) *models.ReportSchedule {
	rec, err := h.store.Get(context.Background(), id)
	assert.NilError(h.t, err)
	return rec
}

func (h *harness) pass() Result {
	res, err := h.d.RunPass(context.Background())
	assert.NilError(h.t, err)
	return res
}

func recurringMinute(interval int) func(*models.ReportSchedule) {
	return func(r *models.ReportSchedule) {
		r.IsRecurring = true
		r.RecurrenceType = recurrence.Minute
		r.Interval = interval
	}
}

func TestTwoDashboardsThreeRecipients(t *testing.T) {
	h := newHarness(t, Options{})
	row := h.insert("hebdo", "a@sigeti.ci, b@sigeti.ci; c@sigeti.ci",
		[]string{models.DashboardFinancier, models.DashboardClients}, h.clock.Now().Add(-time.Minute), nil)

	res := h.pass()
	assert.Equal(t, res.Counts[OutcomeSent], 1)
	assert.Check(t, is.Len(h.dialer.sent, 1))

	raw := h.dialer.sent[0]
	assert.Check(t, is.Contains(raw, "a@sigeti.ci"))
	assert.Check(t, is.Contains(raw, "b@sigeti.ci"))
	assert.Check(t, is.Contains(raw, "c@sigeti.ci"))
	assert.Check(t, is.Contains(raw, fmt.Sprintf(`filename="report_financier_%d.pdf"`, row.ID)))
	assert.Check(t, is.Contains(raw, fmt.Sprintf(`filename="report_clients_%d.pdf"`, row.ID)))
	assert.Check(t, is.Contains(raw, "Subject: SIGETI - Reports: hebdo"))
	assert.Check(t, strings.Index(raw, "report_financier") < strings.Index(raw, "report_clients"), "attachments follow dashboard order")

	got := h.get(row.ID)
	assert.Assert(t, got.Sent)
	assert.Assert(t, got.SentAt != nil)
	assert.Equal(t, got.DeliveryStatus, models.DeliverySent)
	assert.DeepEqual(t, got.PdfIndex(), map[string]string{
		models.DashboardFinancier: artifacts.Path(row.ID, models.DashboardFinancier),
		models.DashboardClients:   artifacts.Path(row.ID, models.DashboardClients),
	})
	assert.Equal(t, res.Spawned, 0)
}

func TestSingleDashboardSubject(t *testing.T) {
	h := newHarness(t, Options{Brand: "SIGETI"})
	h.insert("quotidien", "dg@sigeti.ci", []string{models.DashboardMain}, h.clock.Now(), nil)

	h.pass()
	assert.Check(t, is.Len(h.dialer.sent, 1))
	assert.Check(t, is.Contains(h.dialer.sent[0], "Subject: SIGETI - Report: quotidien"))
}

func TestEmptyRecipientsStayDue(t *testing.T) {
	h := newHarness(t, Options{})
	row := h.insert("orphan", " , ", []string{models.DashboardMain}, h.clock.Now(), recurringMinute(15))

	for i := 0; i < 2; i++ {
		res := h.pass()
		assert.Equal(t, res.Counts[OutcomeSkippedNoRecipients], 1)
	}
	assert.Check(t, is.Len(h.dialer.sent, 0))
	assert.Check(t, is.Len(h.renderer.calls, 0))

	got := h.get(row.ID)
	assert.Assert(t, !got.Sent)
	assert.Assert(t, got.SentAt == nil)
	assert.Equal(t, got.LastError, mail.ErrNoRecipients.Error())
	assert.Equal(t, got.DeliveryStatus, models.DeliverySkipped)

	pending, err := h.store.PendingInSeries(context.Background(), row.ID)
	assert.NilError(t, err)
	assert.Equal(t, pending, int64(1))
}

func TestTransportFailureInterruptsSeries(t *testing.T) {
	h := newHarness(t, Options{})
	cfg := &models.SMTPConfig{Host: "smtp.sigeti.ci", Port: 587, IsActive: true}
	assert.NilError(t, h.smtp.Save(context.Background(), cfg))
	h.dialer.err = errors.New("554 relay denied")
	row := h.insert("minute", "ops@sigeti.ci", []string{models.DashboardAlerts}, h.clock.Now(), recurringMinute(15))

	res := h.pass()
	assert.Equal(t, res.Counts[OutcomeTransportFailed], 1)
	assert.Equal(t, res.Spawned, 0)

	got := h.get(row.ID)
	assert.Assert(t, got.Sent)
	assert.Assert(t, got.SentAt != nil)
	assert.Equal(t, got.DeliveryStatus, models.DeliveryFailed)
	assert.Check(t, is.Contains(got.LastError, "554 relay denied"))

	series, err := h.store.Series(context.Background(), row.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Len(series, 1))

	smtpCfg, err := h.smtp.Get(context.Background(), cfg.ID)
	assert.NilError(t, err)
	assert.Equal(t, smtpCfg.LastTestStatus, models.SMTPTestFailed)
	assert.Assert(t, smtpCfg.LastTestedAt != nil)

	assert.Check(t, is.Len(h.notifier.failures, 1))
	assert.Equal(t, h.notifier.failures[0].Kind, string(OutcomeTransportFailed))

	res = h.pass()
	assert.Equal(t, res.Total(), 0, "failed rows are never retried")
}

func TestSuccessfulSendMarksSMTPConfig(t *testing.T) {
	h := newHarness(t, Options{})
	cfg := &models.SMTPConfig{Host: "smtp.sigeti.ci", Port: 587, IsActive: true}
	assert.NilError(t, h.smtp.Save(context.Background(), cfg))
	h.insert("ok", "ops@sigeti.ci", []string{models.DashboardMain}, h.clock.Now(), nil)

	h.pass()
	smtpCfg, err := h.smtp.Get(context.Background(), cfg.ID)
	assert.NilError(t, err)
	assert.Equal(t, smtpCfg.LastTestStatus, models.SMTPTestSuccess)
}

func TestRenderFailureMarksRowFailed(t *testing.T) {
	h := newHarness(t, Options{})
	h.renderer.fail[models.DashboardOperationnel] = errors.New("mart unavailable")
	row := h.insert("ops", "ops@sigeti.ci", []string{models.DashboardMain, models.DashboardOperationnel}, h.clock.Now(), recurringMinute(5))

	res := h.pass()
	assert.Equal(t, res.Counts[OutcomeRenderFailed], 1)
	assert.Check(t, is.Len(h.dialer.sent, 0))

	got := h.get(row.ID)
	assert.Assert(t, got.Sent)
	assert.Equal(t, got.DeliveryStatus, models.DeliveryFailed)
	assert.Check(t, is.Contains(got.LastError, "mart unavailable"))
	pending, err := h.store.PendingInSeries(context.Background(), row.ID)
	assert.NilError(t, err)
	assert.Equal(t, pending, int64(0))
}

func TestPassIsIdempotentWithoutTimeAdvance(t *testing.T) {
	h := newHarness(t, Options{})
	h.insert("once", "ops@sigeti.ci", []string{models.DashboardMain}, h.clock.Now(), recurringMinute(15))

	first := h.pass()
	second := h.pass()
	assert.Equal(t, first.Counts[OutcomeSent], 1)
	assert.Equal(t, second.Total(), 0)
	assert.Check(t, is.Len(h.dialer.sent, 1))
}

func TestRecurringSeriesSpawnsOneChildAtATime(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	root := h.insert("minute", "ops@sigeti.ci", []string{models.DashboardMain}, h.clock.Now(), recurringMinute(15))

	res := h.pass()
	assert.Equal(t, res.Spawned, 1)
	series, err := h.store.Series(ctx, root.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Len(series, 2))
	child := series[1]
	assert.Equal(t, *child.ParentScheduleID, root.ID)
	assert.Equal(t, child.OccurrenceNumber, 2)
	assert.Assert(t, !child.Sent)
	assert.Assert(t, child.ScheduledAt.Equal(h.clock.Now().Add(15*time.Minute)), "got %s", child.ScheduledAt)
	assert.Assert(t, child.PdfIndex() == nil, "artifacts are not copied by default")

	// the worker wakes a minute late: from-now semantics
	h.clock.Advance(16 * time.Minute)
	res = h.pass()
	assert.Equal(t, res.Counts[OutcomeSent], 1)
	series, err = h.store.Series(ctx, root.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Len(series, 3))
	grandchild := series[2]
	assert.Equal(t, *grandchild.ParentScheduleID, root.ID, "children point at the root")
	assert.Equal(t, grandchild.OccurrenceNumber, 3)
	assert.Assert(t, grandchild.ScheduledAt.Equal(h.clock.Now().Add(15*time.Minute)))

	pending, err := h.store.PendingInSeries(ctx, root.ID)
	assert.NilError(t, err)
	assert.Equal(t, pending, int64(1))
}

func TestSeriesTerminatesAtEndDate(t *testing.T) {
	h := newHarness(t, Options{})
	end := h.clock.Now().Add(10 * time.Minute)
	root := h.insert("bounded", "ops@sigeti.ci", []string{models.DashboardMain}, h.clock.Now(), func(r *models.ReportSchedule) {
		recurringMinute(15)(r)
		r.EndDate = &end
	})

	res := h.pass()
	assert.Equal(t, res.Counts[OutcomeSent], 1)
	assert.Equal(t, res.Spawned, 0)
	pending, err := h.store.PendingInSeries(context.Background(), root.ID)
	assert.NilError(t, err)
	assert.Equal(t, pending, int64(0))
}

func TestCachedArtifactsSkipRenderer(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	row := h.insert("cached", "ops@sigeti.ci", []string{models.DashboardMain}, h.clock.Now(), nil)
	key, err := h.cache.Store(ctx, row.ID, models.DashboardMain, []byte("%PDF-cached"))
	assert.NilError(t, err)
	assert.NilError(t, h.store.AttachPdfs(ctx, row.ID, map[string]string{models.DashboardMain: key}))
	h.renderer.fail[models.DashboardMain] = errors.New("must not render")

	res := h.pass()
	assert.Equal(t, res.Counts[OutcomeSent], 1)
	assert.Check(t, is.Len(h.renderer.calls, 0))
}

func TestMissingCachedFileFallsBackToRenderer(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	row := h.insert("stale", "ops@sigeti.ci", []string{models.DashboardMain}, h.clock.Now(), nil)
	assert.NilError(t, h.store.AttachPdfs(ctx, row.ID, map[string]string{models.DashboardMain: "reports/999/dashboard.pdf"}))

	res := h.pass()
	assert.Equal(t, res.Counts[OutcomeSent], 1)
	assert.DeepEqual(t, h.renderer.calls, []string{models.DashboardMain})
	assert.DeepEqual(t, h.get(row.ID).PdfIndex(), map[string]string{models.DashboardMain: artifacts.Path(row.ID, models.DashboardMain)})
}

func TestCopyArtifactsIntoChild(t *testing.T) {
	h := newHarness(t, Options{CopyArtifacts: true})
	root := h.insert("copy", "ops@sigeti.ci", []string{models.DashboardMain}, h.clock.Now(), recurringMinute(15))

	h.pass()
	series, err := h.store.Series(context.Background(), root.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Len(series, 2))
	child := series[1]
	assert.DeepEqual(t, child.PdfIndex(), map[string]string{models.DashboardMain: artifacts.Path(child.ID, models.DashboardMain)})
}

func TestLockedRowIsContention(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	row := h.insert("locked", "ops@sigeti.ci", []string{models.DashboardMain}, h.clock.Now(), nil)
	ok, err := h.locker.SetLease(ctx, lease.ScheduleKey(row.ID), "other-worker", time.Minute)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	res := h.pass()
	assert.Equal(t, res.Counts[OutcomeContention], 1)
	assert.Assert(t, !h.get(row.ID).Sent)
}

func TestClaimedElsewhereIsContention(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.insert("claimed", "ops@sigeti.ci", []string{models.DashboardMain}, h.clock.Now(), nil)
	due, err := h.store.FindDue(ctx, h.clock.Now())
	assert.NilError(t, err)
	assert.NilError(t, h.store.Claim(ctx, due[0].ID, h.clock.Now()))

	row := due[0]
	outcome, spawned := h.d.fire(ctx, &row)
	assert.Equal(t, outcome, OutcomeContention)
	assert.Assert(t, !spawned)
	assert.Check(t, is.Len(h.dialer.sent, 0))
}

func TestSoftStopBeforePass(t *testing.T) {
	h := newHarness(t, Options{})
	row := h.insert("stopped", "ops@sigeti.ci", []string{models.DashboardMain}, h.clock.Now(), nil)
	h.d.Stop()

	res := h.pass()
	assert.Assert(t, res.Stopped)
	assert.Equal(t, res.Total(), 0)
	assert.Assert(t, !h.get(row.ID).Sent)
}

func TestCancelAfterSendStillRecordsDelivery(t *testing.T) {
	h := newHarness(t, Options{})
	root := h.insert("deploy", "ops@sigeti.ci", []string{models.DashboardMain}, h.clock.Now(), recurringMinute(15))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.d.Sender = &cancellingSender{Sender: h.d.Sender, cancel: cancel}

	res, err := h.d.RunPass(ctx)
	assert.NilError(t, err)
	assert.Equal(t, res.Counts[OutcomeSent], 1)
	assert.Equal(t, res.Spawned, 1)
	assert.Check(t, is.Len(h.dialer.sent, 1))

	got := h.get(root.ID)
	assert.Assert(t, got.Sent)
	assert.Equal(t, got.DeliveryStatus, models.DeliverySent)
	assert.DeepEqual(t, got.PdfIndex(), map[string]string{models.DashboardMain: artifacts.Path(root.ID, models.DashboardMain)})

	series, err := h.store.Series(context.Background(), root.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Len(series, 2))
	pending, err := h.store.PendingInSeries(context.Background(), root.ID)
	assert.NilError(t, err)
	assert.Equal(t, pending, int64(1))
}

func TestSoftStopBeforeClaimIsNotContention(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.insert("first", "ops@sigeti.ci", []string{models.DashboardMain}, h.clock.Now().Add(-time.Minute), nil)
	second := h.insert("second", "ops@sigeti.ci", []string{models.DashboardClients}, h.clock.Now(), nil)
	h.d.Locker = &stoppingLocker{Locker: h.locker, stop: h.d.Stop}

	res := h.pass()
	assert.Assert(t, res.Stopped)
	assert.Equal(t, res.Total(), 0)
	assert.Equal(t, res.Counts[OutcomeContention], 0)
	assert.Check(t, is.Len(h.dialer.sent, 0))
	assert.Assert(t, !h.get(first.ID).Sent)
	assert.Assert(t, !h.get(second.ID).Sent)

	ok, err := h.locker.SetLease(context.Background(), lease.ScheduleKey(first.ID), "other-worker", time.Minute)
	assert.NilError(t, err)
	assert.Assert(t, ok, "row lock is released after a stop")
}

func TestRowsFireOldestFirst(t *testing.T) {
	h := newHarness(t, Options{})
	h.insert("second", "ops@sigeti.ci", []string{models.DashboardClients}, h.clock.Now().Add(-time.Minute), nil)
	h.insert("first", "ops@sigeti.ci", []string{models.DashboardFinancier}, h.clock.Now().Add(-time.Hour), nil)

	h.pass()
	assert.DeepEqual(t, h.renderer.calls, []string{models.DashboardFinancier, models.DashboardClients})
}
