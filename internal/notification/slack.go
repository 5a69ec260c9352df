package notification

import (
	"fmt"
	"strconv"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"maildispatchd/internal/config"
)

// SlackNotifier pushes operational alerts to a Slack webhook. Disabled
// notifiers swallow every call, so callers never need to check the toggle.
type SlackNotifier struct {
	webhookURL string
	channel    string
	username   string
	iconEmoji  string
	enabled    bool
	logger     *zap.SugaredLogger
}

func NewSlackNotifier(cfg config.SlackConfig, logger *zap.SugaredLogger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		username:   cfg.Username,
		iconEmoji:  cfg.IconEmoji,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		logger:     logger,
	}
}

// MailDiscarded reports a mail job dropped after exhausting its retries. This
// is the only place a message leaves the system without being delivered, so
// it is the one event always worth a human's attention.
func (s *SlackNotifier) MailDiscarded(item string, failures int) {
	s.notify(
		"Mail discarded",
		fmt.Sprintf("A queued mail exhausted its delivery retries and was dropped: `%s`", item),
		"danger",
		map[string]string{
			"Item":     item,
			"Failures": strconv.Itoa(failures),
		},
	)
}

// ServiceRestarting reports a worker restart triggered by a resource guard.
func (s *SlackNotifier) ServiceRestarting(reason string) {
	s.notify("Service restarting", reason, "warning", nil)
}

func (s *SlackNotifier) notify(title, text, color string, fields map[string]string) {
	if !s.enabled {
		return
	}

	attachmentFields := make([]slack.AttachmentField, 0, len(fields))
	for k, v := range fields {
		attachmentFields = append(attachmentFields, slack.AttachmentField{
			Title: k,
			Value: v,
			Short: len(v) < 20,
		})
	}

	msg := &slack.WebhookMessage{
		Channel:   s.channel,
		Username:  s.username,
		IconEmoji: s.iconEmoji,
		Attachments: []slack.Attachment{{
			Title:      title,
			Text:       text,
			Color:      color,
			Fields:     attachmentFields,
			MarkdownIn: []string{"text", "fields"},
		}},
	}

	if err := slack.PostWebhook(s.webhookURL, msg); err != nil {
		s.logger.Errorw("unable to post slack notification", "title", title, "error", err)
	}
}
