package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrNotificationFailed = errors.New("notification failed")

// Notification tells a user that their request reached a terminal status.
type Notification struct {
	Email      string   `json:"email"`
	UserId     string   `json:"user_id"`
	Status     string   `json:"status"`
	ResultsURL string   `json:"results_url"`
	ReportKeys []string `json:"report_keys"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ResultsURL is the api location of a request's results.
func ResultsURL(publicURL, userId string) string {
	return strings.TrimRight(publicURL, "/") + "/api/v1/requests/" + userId + "/results"
}

type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	slog.Info("request finished", "user_id", n.UserId, "email", n.Email, "status", n.Status, "results_url", n.ResultsURL, "reports", len(n.ReportKeys))
	return nil
}

// WebhookNotifier posts each notification as json to a fixed url.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		client: resty.New().SetRetryCount(2).SetRetryWaitTime(time.Second),
		url:    url,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if n.ReportKeys == nil {
		n.ReportKeys = []string{}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(n).
		Post(w.url)
	if err != nil {
		slog.Error("unable to send notification", "user_id", n.UserId, "error", err)
		return fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}

	if !res.IsSuccess() {
		slog.Error("notification webhook returned error", "user_id", n.UserId, "status_code", res.StatusCode(), "body", res.String())
		return fmt.Errorf("%w: webhook returned status %d", ErrNotificationFailed, res.StatusCode())
	}
	return nil
}

// New returns a webhook notifier when a url is configured and a log notifier otherwise.
func New(webhookURL string) Notifier {
	if webhookURL == "" {
		return LogNotifier{}
	}
	return NewWebhookNotifier(webhookURL)
}
