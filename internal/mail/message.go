package mail

import (
	"errors"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"

	"gopkg.in/gomail.v2"
)

var ErrNoRecipients = errors.New("no recipients")

type Attachment struct {
	Name string
	Data []byte
}

type Message struct {
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

func (m *Message) build(from string) *gomail.Message {
	gm := gomail.NewMessage()
	gm.SetHeader("From", from)
	gm.SetHeader("To", m.To...)
	gm.SetHeader("Subject", m.Subject)
	gm.SetBody("text/plain", m.Body)
	for _, a := range m.Attachments {
		data := a.Data
		gm.Attach(a.Name,
			gomail.SetHeader(map[string][]string{"Content-Type": {"application/pdf"}}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		)
	}
	return gm
}

// ParseRecipients splits a comma or semicolon separated mailbox list. It
// returns the valid addresses; invalid entries are reported in err.
func ParseRecipients(s string) ([]string, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	var (
		out     []string
		invalid []string
	)
	seen := make(map[string]bool)
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		addr, err := netmail.ParseAddress(f)
		if err != nil {
			invalid = append(invalid, f)
			continue
		}
		key := strings.ToLower(addr.Address)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, addr.Address)
	}
	if len(invalid) > 0 {
		return out, fmt.Errorf("invalid recipients: %s", strings.Join(invalid, ", "))
	}
	return out, nil
}
