package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/mediamatch/internal/logger"
)

// MatchEvent reports one admitted match of submitted content against a bank member.
type MatchEvent struct {
	ContentID  string    `json:"content_id"`
	BankID     int64     `json:"bank_id"`
	BankName   string    `json:"bank"`
	MemberID   int64     `json:"member_id"`
	SignalType string    `json:"signal_type"`
	Distance   int       `json:"distance"`
	MatchedAt  time.Time `json:"matched_at"`
}

// MatchSink receives match events. Consumers must tolerate reordering
// between submissions.
type MatchSink interface {
	Emit(ctx context.Context, events []MatchEvent) error
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a logging sink.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.WithComponent("match_sink")}
}

// Emit logs the events.
func (s *LogSink) Emit(ctx context.Context, events []MatchEvent) error {
	for _, ev := range events {
		s.logger.WithFields(logger.Fields{
			logger.FieldContentID:  ev.ContentID,
			logger.FieldBank:       ev.BankName,
			logger.FieldSignalType: ev.SignalType,
			"member_id":            ev.MemberID,
			"distance":             ev.Distance,
		}).Info("Match")
	}
	return nil
}

// WebhookSink posts events as a JSON array to a URL.
type WebhookSink struct {
	client *resty.Client
	url    string
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &WebhookSink{client: client, url: url}
}

// Emit posts the events in one request. An empty batch sends nothing.
func (s *WebhookSink) Emit(ctx context.Context, events []MatchEvent) error {
	if len(events) == 0 {
		return nil
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(events).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("failed to post match events: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("match webhook returned HTTP %d", resp.StatusCode())
	}
	return nil
}

// MultiSink fans events out to several sinks. Every sink is attempted; the
// errors are joined.
type MultiSink []MatchSink

// Emit delivers to each sink in order.
func (m MultiSink) Emit(ctx context.Context, events []MatchEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Emit(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
