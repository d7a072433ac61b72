package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// Failure describes a firing that ended without delivery.
type Failure struct {
	ScheduleID uint
	Name       string
	Occurrence int
	Dashboards []string
	Kind       string
	Reason     string
	At         time.Time
}

// Notifier receives firing failures.
type Notifier interface {
	NotifyFailure(ctx context.Context, f Failure) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) NotifyFailure(context.Context, Failure) error { return nil }

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type SlackNotifier struct {
	client  slackPoster
	channel string
	brand   string
}

// New returns a Slack notifier, or Nop when no token or channel is set.
func New(token, channel, brand string) Notifier {
	if token == "" || channel == "" {
		return Nop{}
	}
	return &SlackNotifier{client: slack.New(token), channel: channel, brand: brand}
}

func (s *SlackNotifier) NotifyFailure(ctx context.Context, f Failure) error {
	attachment := slack.Attachment{
		Color: getFailureColor(f.Kind),
		Title: fmt.Sprintf("%s report not delivered: %s", s.brand, f.Name),
		Text:  f.Reason,
		Fields: []slack.AttachmentField{
			{
				Title: "Schedule",
				Value: strconv.FormatUint(uint64(f.ScheduleID), 10),
				Short: true,
			},
			{
				Title: "Occurrence",
				Value: strconv.Itoa(f.Occurrence),
				Short: true,
			},
			{
				Title: "Outcome",
				Value: f.Kind,
				Short: true,
			},
			{
				Title: "Dashboards",
				Value: strings.Join(f.Dashboards, ", "),
				Short: true,
			},
		},
		Footer: s.brand + " report dispatcher",
		Ts:     json.Number(strconv.FormatInt(f.At.Unix(), 10)),
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionAttachments(attachment))
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	return nil
}

func getFailureColor(kind string) string {
	switch kind {
	case "transport_failed":
		return "#FF0000"
	case "render_failed":
		return "#FFA500"
	default:
		return "#808080"
	}
}
