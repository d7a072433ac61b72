package mail

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigeti/reports/internal/clock"
	"github.com/sigeti/reports/internal/config"
	"github.com/sigeti/reports/internal/models"
	"gopkg.in/gomail.v2"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type fakeDialer struct {
	settings config.SMTP
	err      error
	delay    time.Duration
	mu       sync.Mutex
	sent     []string
}

func (d *fakeDialer) DialAndSend(msgs ...*gomail.Message) error {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range msgs {
		var buf bytes.Buffer
		if _, err := m.WriteTo(&buf); err != nil {
			return err
		}
		d.sent = append(d.sent, buf.String())
	}
	return nil
}

type fakeStore struct {
	active  *models.SMTPConfig
	calls   int
	outcome error
	tested  bool
}

func (s *fakeStore) Active(context.Context) (*models.SMTPConfig, error) {
	s.calls++
	return s.active, nil
}

func (s *fakeStore) RecordTest(_ context.Context, _ uint, _ time.Time, err error) error {
	s.tested = true
	s.outcome = err
	return nil
}

func newTransport(t *testing.T, store ConfigStore, d *fakeDialer) *Transport {
	loc, err := time.LoadLocation("Africa/Abidjan")
	assert.NilError(t, err)
	clk := clock.NewFixed(time.Date(2025, 11, 18, 10, 0, 0, 0, loc), loc)
	static := config.SMTP{Host: "static.local", Port: 25, From: "noreply@sigeti.ci", Timeout: time.Second}
	return NewTransport(static, store, clk, zerolog.Nop()).WithDialerFactory(func(s config.SMTP) Dialer {
		d.settings = s
		return d
	})
}

func TestBuildConnectionStatic(t *testing.T) {
	d := &fakeDialer{}
	conn, err := newTransport(t, nil, d).BuildConnection(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, conn.Source, SourceStatic)
	assert.Equal(t, conn.From, "noreply@sigeti.ci")
	assert.Assert(t, conn.Config == nil)
	assert.Equal(t, d.settings.Host, "static.local")
}

func TestBuildConnectionActiveRecordOverrides(t *testing.T) {
	store := &fakeStore{active: &models.SMTPConfig{
		Host:     "smtp.sigeti.ci",
		Port:     465,
		UseSSL:   true,
		Timeout:  5,
		IsActive: true,
	}}
	d := &fakeDialer{}
	conn, err := newTransport(t, store, d).BuildConnection(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, conn.Source, SourceDatabase)
	assert.Equal(t, d.settings.Host, "smtp.sigeti.ci")
	assert.Equal(t, d.settings.Port, 465)
	assert.Assert(t, d.settings.UseSSL)
	assert.Equal(t, d.settings.Timeout, 5*time.Second)
	// empty DefaultFromEmail keeps the static sender
	assert.Equal(t, conn.From, "noreply@sigeti.ci")
}

func TestRefreshCachesActiveConfig(t *testing.T) {
	store := &fakeStore{active: &models.SMTPConfig{Host: "db"}}
	tr := newTransport(t, store, &fakeDialer{})
	ctx := context.Background()
	assert.NilError(t, tr.Refresh(ctx))
	for i := 0; i < 3; i++ {
		_, err := tr.BuildConnection(ctx)
		assert.NilError(t, err)
	}
	assert.Equal(t, store.calls, 1)
}

func TestSendWithAttachments(t *testing.T) {
	store := &fakeStore{active: &models.SMTPConfig{Host: "db", DefaultFromEmail: "reports@sigeti.ci"}}
	d := &fakeDialer{}
	tr := newTransport(t, store, d)

	err := tr.Send(context.Background(), &Message{
		To:      []string{"a@sigeti.ci", "b@sigeti.ci"},
		Subject: "SIGETI - Report: hebdo",
		Body:    "ci-joint",
		Attachments: []Attachment{
			{Name: "report_financier_4.pdf", Data: []byte("%PDF-1")},
			{Name: "report_clients_4.pdf", Data: []byte("%PDF-2")},
		},
	})
	assert.NilError(t, err)
	assert.Check(t, is.Len(d.sent, 1))
	raw := d.sent[0]
	assert.Check(t, is.Contains(raw, "From: reports@sigeti.ci"))
	assert.Check(t, is.Contains(raw, `filename="report_financier_4.pdf"`))
	assert.Check(t, is.Contains(raw, `filename="report_clients_4.pdf"`))
	assert.Assert(t, store.tested)
	assert.NilError(t, store.outcome)
}

func TestSendFailureIsRecorded(t *testing.T) {
	store := &fakeStore{active: &models.SMTPConfig{Host: "db"}}
	tr := newTransport(t, store, &fakeDialer{err: errors.New("connection refused")})

	err := tr.Send(context.Background(), &Message{To: []string{"a@sigeti.ci"}, Subject: "s"})
	assert.ErrorContains(t, err, "connection refused")
	assert.Assert(t, store.tested)
	assert.ErrorContains(t, store.outcome, "connection refused")
}

func TestSendTimesOut(t *testing.T) {
	d := &fakeDialer{delay: 200 * time.Millisecond}
	tr := newTransport(t, nil, d)
	tr.static.Timeout = 20 * time.Millisecond

	err := tr.Send(context.Background(), &Message{To: []string{"a@sigeti.ci"}, Subject: "s"})
	assert.ErrorContains(t, err, "timed out")
}

func TestSendRejectsEmptyRecipients(t *testing.T) {
	err := newTransport(t, nil, &fakeDialer{}).Send(context.Background(), &Message{Subject: "s"})
	assert.Assert(t, errors.Is(err, ErrNoRecipients))
}

func TestBuildConnectionRejectsTLSAndSSL(t *testing.T) {
	store := &fakeStore{active: &models.SMTPConfig{UseTLS: true, UseSSL: true}}
	_, err := newTransport(t, store, &fakeDialer{}).BuildConnection(context.Background())
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestParseRecipients(t *testing.T) {
	got, err := ParseRecipients(" a@sigeti.ci, Direction <dg@sigeti.ci>;b@sigeti.ci,,A@sigeti.ci ")
	assert.NilError(t, err)
	assert.DeepEqual(t, got, []string{"a@sigeti.ci", "dg@sigeti.ci", "b@sigeti.ci"})

	got, err = ParseRecipients("")
	assert.NilError(t, err)
	assert.Check(t, is.Len(got, 0))

	got, err = ParseRecipients("ok@sigeti.ci, not-an-address")
	assert.ErrorContains(t, err, "not-an-address")
	assert.DeepEqual(t, got, []string{"ok@sigeti.ci"})
}
