// Package notify delivers guardrail announcements to chat. The only
// implementation is a Slack incoming webhook; payloads are Block Kit
// built by the funcs in blocks.go. Delivery is best-effort: callers
// log failures and move on, nothing retries.
package notify

import (
	"context"

	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
)

// Notifier sends one message to the configured destination
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a Slack Block Kit payload. Channel overrides the webhook
// default when set.
type Message struct {
	Channel string  `json:"channel,omitempty"`
	Blocks  []Block `json:"blocks"`
}

// Block is one Block Kit block. Elements holds buttons for actions
// blocks and mrkdwn texts for context blocks.
type Block struct {
	Type     string `json:"type"`
	Text     *Text  `json:"text,omitempty"`
	Fields   []Text `json:"fields,omitempty"`
	Elements []any  `json:"elements,omitempty"`
}

// Text is a Block Kit text object
type Text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Button is a Block Kit link button
type Button struct {
	Type  string `json:"type"`
	Text  Text   `json:"text"`
	URL   string `json:"url"`
	Style string `json:"style,omitempty"`
}

func plainText(s string) *Text { return &Text{Type: "plain_text", Text: s} }
func mrkdwn(s string) Text     { return Text{Type: "mrkdwn", Text: s} }
func header(s string) Block    { return Block{Type: "header", Text: plainText(s)} }
func section(s string) Block   { return Block{Type: "section", Text: &Text{Type: "mrkdwn", Text: s}} }
func fieldSection(f ...Text) Block {
	return Block{Type: "section", Fields: f}
}
func contextLine(s string) Block {
	return Block{Type: "context", Elements: []any{mrkdwn(s)}}
}

// WithRouting applies a policy's notification settings: channel
// override plus a cc line for mentioned users
func (m Message) WithRouting(settings types.NotificationSettings) Message {
	m.Channel = settings.Channel
	if len(settings.MentionUsers) > 0 {
		line := "cc"
		for _, u := range settings.MentionUsers {
			line += " <@" + u + ">"
		}
		m.Blocks = append(m.Blocks, contextLine(line))
	}
	return m
}

// Noop satisfies Notifier when no webhook is configured
type Noop struct {
	logger *telemetry.Logger
}

func NewNoop(logger *telemetry.Logger) *Noop {
	if logger == nil {
		logger = telemetry.NewLogger("notify")
	}
	return &Noop{logger: logger}
}

func (n *Noop) Send(ctx context.Context, msg Message) error {
	n.logger.Debug().Int("blocks", len(msg.Blocks)).Msg("no webhook configured, notification dropped")
	return nil
}
