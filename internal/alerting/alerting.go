// Package alerting implements the AlertSink and IssueTracker external
// collaborator interfaces: a Slack-backed alert sink and a generic
// rate-limited webhook IssueTracker for Incident Triage's optional issue
// posting.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/autopilotd/autopilot/internal/types"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// SlackSink posts operator alerts to a Slack channel via
// github.com/slack-go/slack, the pack's only Slack SDK.
type SlackSink struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackSink creates a SlackSink posting to channel using token.
func NewSlackSink(token, channel string, logger *slog.Logger) *SlackSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackSink{client: slack.New(token), channel: channel, logger: logger}
}

// Emit posts message with severity and context fields as a Slack message
// attachment. Emit never blocks the caller on delivery failure.
func (s *SlackSink) Emit(ctx context.Context, severity types.Severity, message string, fields map[string]any) {
	color := severityColor(severity)
	attachment := slack.Attachment{
		Color: color,
		Text:  message,
		Ts:    json.Number(fmt.Sprintf("%d", time.Now().Unix())),
	}
	for k, v := range fields {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: k, Value: fmt.Sprintf("%v", v), Short: true,
		})
	}
	if _, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionAttachments(attachment)); err != nil {
		s.logger.Error("alerting: slack post failed", "error", err, "severity", severity)
	}
}

func severityColor(sev types.Severity) string {
	switch sev {
	case types.SeverityCritical:
		return "#d32f2f"
	case types.SeverityWarning:
		return "#f9a825"
	default:
		return "#388e3c"
	}
}

// LogSink is a fallback AlertSink that writes through slog, used when no
// Slack token is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit logs the alert at a level matching severity.
func (s *LogSink) Emit(ctx context.Context, severity types.Severity, message string, fields map[string]any) {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	switch severity {
	case types.SeverityCritical:
		s.logger.Error(message, args...)
	case types.SeverityWarning:
		s.logger.Warn(message, args...)
	default:
		s.logger.Info(message, args...)
	}
}

// WebhookIssueTracker posts triage suggestions to a generic issue-tracking
// webhook, rate-limited so a noisy triage run cannot flood the tracker.
type WebhookIssueTracker struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewWebhookIssueTracker creates a tracker posting to url, limited to
// ratePerSecond requests per second.
func NewWebhookIssueTracker(url string, ratePerSecond float64, logger *slog.Logger) *WebhookIssueTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	return &WebhookIssueTracker{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		logger:  logger,
	}
}

type createIssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

type createIssueResponse struct {
	ID string `json:"id"`
}

// CreateIssue posts title/body/labels to the configured webhook and
// returns the tracker-assigned reference.
func (w *WebhookIssueTracker) CreateIssue(ctx context.Context, title, body string, labels []string) (types.IssueRef, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("alerting: rate limit wait: %w", err)
	}

	payload, err := json.Marshal(createIssueRequest{Title: title, Body: body, Labels: labels})
	if err != nil {
		return "", fmt.Errorf("alerting: marshalling issue payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("alerting: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("alerting: posting issue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("alerting: issue tracker returned %d: %s", resp.StatusCode, string(b))
	}

	var out createIssueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("alerting: decoding response: %w", err)
	}
	return types.IssueRef(out.ID), nil
}
