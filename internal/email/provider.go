// Package email sends customer order notifications.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

type Provider interface {
	SendEmail(ctx context.Context, email *Email) error
	ValidateAPIKey(ctx context.Context) error
}

type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
	// Category and Reference are optional provider metadata.
	Category  string
	Reference string
}

type Config struct {
	Provider string
	APIKey   string
	From     string
	// HTTPClient is optional; the app passes a traced client.
	HTTPClient *http.Client
}

// NewProvider builds the configured provider. "log" writes messages to the
// logger instead of sending them and is meant for local development.
func NewProvider(config Config, logger *slog.Logger) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(config.Provider)) {
	case "resend":
		if config.APIKey == "" || config.From == "" {
			return nil, fmt.Errorf("resend requires EMAIL_API_KEY and EMAIL_FROM")
		}
		return NewResendProvider(config.APIKey, config.From, config.HTTPClient), nil
	case "log", "":
		return NewLogProvider(logger), nil
	default:
		return nil, fmt.Errorf("EMAIL_PROVIDER must be either 'resend' or 'log'")
	}
}

type LogProvider struct {
	logger *slog.Logger
}

func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

func (p *LogProvider) SendEmail(ctx context.Context, email *Email) error {
	if email == nil {
		return fmt.Errorf("email is required")
	}
	p.logger.InfoContext(ctx, "email not sent, log provider", "to", email.To, "subject", email.Subject)
	return nil
}

func (p *LogProvider) ValidateAPIKey(context.Context) error {
	return nil
}
