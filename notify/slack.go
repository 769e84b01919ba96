package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yairfalse/jarru/telemetry"
)

// sendTimeout bounds one webhook POST. There is no retry; a missed
// notification is acceptable, a stuck handler is not.
const sendTimeout = 10 * time.Second

// Slack posts messages to a Slack incoming webhook
type Slack struct {
	webhookURL string
	httpClient *http.Client
	logger     *telemetry.Logger
}

func NewSlack(webhookURL string, logger *telemetry.Logger) (*Slack, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil, fmt.Errorf("slack webhook URL cannot be empty")
	}
	if logger == nil {
		logger = telemetry.NewLogger("notify")
	}
	return &Slack{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: sendTimeout},
		logger:     logger,
	}, nil
}

func (s *Slack) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}

	s.logger.Debug().Int("blocks", len(msg.Blocks)).Msg("slack notification sent")
	return nil
}
