package email

import (
	"context"
	"fmt"
	"net/http"

	resend "github.com/resend/resend-go/v3"
)

type ResendProvider struct {
	from   string
	client *resend.Client
}

// NewResendProvider sends through Resend. A nil httpClient uses the
// library default.
func NewResendProvider(apiKey, from string, httpClient *http.Client) *ResendProvider {
	client := resend.NewClient(apiKey)
	if httpClient != nil {
		client = resend.NewCustomClient(httpClient, apiKey)
	}
	return &ResendProvider{from: from, client: client}
}

func (r *ResendProvider) SendEmail(ctx context.Context, email *Email) error {
	if email == nil {
		return fmt.Errorf("email is required")
	}
	if r.client == nil {
		return fmt.Errorf("resend client not configured")
	}

	params := &resend.SendEmailRequest{
		From:    r.from,
		To:      []string{email.To},
		Subject: email.Subject,
	}
	if email.HTML != "" {
		params.Html = email.HTML
	}
	if email.Text != "" {
		params.Text = email.Text
	}
	if email.Category != "" {
		params.Tags = []resend.Tag{{Name: "category", Value: email.Category}}
	}
	if email.Reference != "" {
		// Keeps mail clients from threading unrelated orders together.
		params.Headers = map[string]string{"X-Entity-Ref-ID": email.Reference}
	}
	if params.Html == "" && params.Text == "" {
		return fmt.Errorf("email body is empty")
	}

	if _, err := r.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("failed to send email via resend: %w", err)
	}
	return nil
}

// ValidateAPIKey lists API keys as a cheap authenticated call.
func (r *ResendProvider) ValidateAPIKey(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("resend client not configured")
	}
	if _, err := r.client.ApiKeys.ListWithContext(ctx); err != nil {
		return fmt.Errorf("invalid API key: %w", err)
	}
	return nil
}
