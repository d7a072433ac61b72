// Package mail delivers report messages over SMTP with gomail. The
// connection settings come from the static configuration, overridden by
// the active DB-backed SMTP configuration when there is one.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigeti/reports/internal/clock"
	"github.com/sigeti/reports/internal/config"
	"github.com/sigeti/reports/internal/models"
	"gopkg.in/gomail.v2"
)

type Source string

const (
	SourceStatic   Source = "static"
	SourceDatabase Source = "database"
)

const defaultTimeout = 30 * time.Second

// Dialer is satisfied by *gomail.Dialer.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// DialerFactory builds a Dialer from resolved settings.
type DialerFactory func(s config.SMTP) Dialer

// ConfigStore is the subset of the SMTP config store the transport uses.
type ConfigStore interface {
	Active(ctx context.Context) (*models.SMTPConfig, error)
	RecordTest(ctx context.Context, id uint, at time.Time, sendErr error) error
}

// Connection is the result of resolving the SMTP settings.
type Connection struct {
	Dialer   Dialer
	From     string
	Source   Source
	Config   *models.SMTPConfig
	Settings config.SMTP
}

type Transport struct {
	static    config.SMTP
	store     ConfigStore
	clock     clock.Clock
	newDialer DialerFactory
	log       zerolog.Logger

	mu       sync.Mutex
	cached   *models.SMTPConfig
	cachedOK bool
}

// NewTransport returns a transport. store may be nil to use only the
// static settings.
func NewTransport(static config.SMTP, store ConfigStore, clk clock.Clock, log zerolog.Logger) *Transport {
	return &Transport{
		static:    static,
		store:     store,
		clock:     clk,
		newDialer: NewGomailDialer,
		log:       log,
	}
}

// WithDialerFactory replaces how dialers are built.
func (t *Transport) WithDialerFactory(f DialerFactory) *Transport {
	t.newDialer = f
	return t
}

// NewGomailDialer maps settings onto a gomail dialer.
func NewGomailDialer(s config.SMTP) Dialer {
	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
	d.SSL = s.UseSSL
	if s.UseTLS || s.UseSSL {
		d.TLSConfig = &tls.Config{ServerName: s.Host}
	}
	return d
}

// Refresh reloads the active SMTP configuration and keeps it until the next
// Refresh. The dispatcher calls it once per pass.
func (t *Transport) Refresh(ctx context.Context) error {
	cfg, err := t.loadActive(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.cached, t.cachedOK = cfg, true
	t.mu.Unlock()
	return nil
}

func (t *Transport) loadActive(ctx context.Context) (*models.SMTPConfig, error) {
	if t.store == nil {
		return nil, nil
	}
	return t.store.Active(ctx)
}

func (t *Transport) active(ctx context.Context) (*models.SMTPConfig, error) {
	t.mu.Lock()
	cfg, ok := t.cached, t.cachedOK
	t.mu.Unlock()
	if ok {
		return cfg, nil
	}
	return t.loadActive(ctx)
}

// BuildConnection resolves the settings to send with. Empty fields of the
// active record leave the static value in place.
func (t *Transport) BuildConnection(ctx context.Context) (*Connection, error) {
	record, err := t.active(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load smtp config: %w", err)
	}

	s := t.static
	source := SourceStatic
	if record != nil {
		source = SourceDatabase
		if record.Host != "" {
			s.Host = record.Host
		}
		if record.Port != 0 {
			s.Port = record.Port
		}
		if record.Username != "" {
			s.Username = record.Username
		}
		if record.Password != "" {
			s.Password = record.Password
		}
		if record.Timeout > 0 {
			s.Timeout = time.Duration(record.Timeout) * time.Second
		}
		if record.DefaultFromEmail != "" {
			s.From = record.DefaultFromEmail
		}
		s.UseTLS = record.UseTLS
		s.UseSSL = record.UseSSL
	}
	if s.UseTLS && s.UseSSL {
		return nil, fmt.Errorf("smtp: use_tls and use_ssl are mutually exclusive")
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.From == "" {
		s.From = s.Username
	}

	return &Connection{
		Dialer:   t.newDialer(s),
		From:     s.From,
		Source:   source,
		Config:   record,
		Settings: s,
	}, nil
}

// Send delivers msg on a fresh connection. When the settings came from a DB
// record, the outcome is stored on it as the last test result.
func (t *Transport) Send(ctx context.Context, msg *Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	conn, err := t.BuildConnection(ctx)
	if err != nil {
		return err
	}

	sendErr := dialAndSend(ctx, conn, msg.build(conn.From))
	if conn.Config != nil && t.store != nil {
		if err := t.store.RecordTest(ctx, conn.Config.ID, t.clock.Now(), sendErr); err != nil {
			t.log.Warn().Err(err).Uint("smtp_config_id", conn.Config.ID).Msg("failed to record smtp outcome")
		}
	}
	if sendErr != nil {
		return fmt.Errorf("smtp send via %s:%d failed: %w", conn.Settings.Host, conn.Settings.Port, sendErr)
	}
	t.log.Debug().Str("source", string(conn.Source)).Strs("to", msg.To).Msg("mail sent")
	return nil
}

// dialAndSend bounds the gomail exchange by the connection timeout. gomail
// cannot be interrupted, so on timeout the exchange is abandoned.
func dialAndSend(ctx context.Context, conn *Connection, m *gomail.Message) error {
	ctx, cancel := context.WithTimeout(ctx, conn.Settings.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- conn.Dialer.DialAndSend(m)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s", conn.Settings.Timeout)
		}
		return ctx.Err()
	}
}

// SendTest sends a short probe message to one address.
func (t *Transport) SendTest(ctx context.Context, to, brand string) error {
	addrs, err := ParseRecipients(to)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return ErrNoRecipients
	}
	return t.Send(ctx, &Message{
		To:      addrs,
		Subject: fmt.Sprintf("%s - SMTP test", brand),
		Body:    fmt.Sprintf("This is a test message sent at %s.", t.clock.Now().Format(time.RFC3339)),
	})
}
