package email

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
)

// ResendConfig configures a ResendGateway.
type ResendConfig struct {
	APIKey   string
	FromAddr string // e.g. "hello@productcareerlyst.com"
	FromName string // e.g. "Product Careerlyst"

	// BaseURL overrides the API endpoint. Tests point it at httptest.
	BaseURL string

	// Timeout bounds each provider call. Defaults to 15s.
	Timeout time.Duration
}

// ResendGateway is the Gateway backed by the Resend API.
type ResendGateway struct {
	client   *resend.Client
	apiKey   string
	fromAddr string
	fromName string
	now      func() time.Time
}

// NewResendGateway constructs a gateway. Missing credentials are not an error
// here; every call reports them instead so a misconfigured dev environment
// still boots.
func NewResendGateway(cfg ResendConfig) (*ResendGateway, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resend.NewCustomClient(&http.Client{Timeout: timeout}, cfg.APIKey)

	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("email: parse base URL: %w", err)
		}
		client.BaseURL = u
	}

	return &ResendGateway{
		client:   client,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		fromAddr: strings.TrimSpace(cfg.FromAddr),
		fromName: cfg.FromName,
		now:      time.Now,
	}, nil
}

// ─── GATEWAY IMPLEMENTATION ───────────────────────────────────────────────────

func (g *ResendGateway) Send(ctx context.Context, msg Message) (SendResult, error) {
	req, err := g.buildRequest(msg)
	if err != nil {
		return SendResult{}, err
	}

	resp, err := g.client.Emails.SendWithOptions(ctx, req, &resend.SendEmailOptions{IdempotencyKey: msg.IdempotencyKey})
	if err != nil {
		return SendResult{}, translate("send", err)
	}
	return SendResult{ID: resp.Id}, nil
}

// Schedule fails fast with ErrInvalidScheduleTime when at is not strictly
// after now or more than MaxScheduleAhead away.
func (g *ResendGateway) Schedule(ctx context.Context, msg Message, at time.Time) (SendResult, error) {
	req, err := g.buildRequest(msg)
	if err != nil {
		return SendResult{}, err
	}

	now := g.now()
	if !at.After(now) || at.Sub(now) > MaxScheduleAhead {
		return SendResult{}, fmt.Errorf("%w: %s", ErrInvalidScheduleTime, at.UTC().Format(time.RFC3339))
	}
	req.ScheduledAt = at.UTC().Format(time.RFC3339)

	resp, err := g.client.Emails.SendWithOptions(ctx, req, &resend.SendEmailOptions{IdempotencyKey: msg.IdempotencyKey})
	if err != nil {
		return SendResult{}, translate("schedule", err)
	}
	return SendResult{ID: resp.Id, ScheduleID: resp.Id}, nil
}

func (g *ResendGateway) Cancel(ctx context.Context, providerID string) error {
	if g.apiKey == "" {
		return ErrMissingAPIKey
	}
	if _, err := g.client.Emails.CancelWithContext(ctx, providerID); err != nil {
		return translate("cancel", err)
	}
	return nil
}

// ─── HELPERS ──────────────────────────────────────────────────────────────────

func (g *ResendGateway) buildRequest(msg Message) (*resend.SendEmailRequest, error) {
	if g.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	from := msg.From
	if from == "" {
		if g.fromAddr == "" {
			return nil, ErrMissingSender
		}
		from = g.fromAddr
		if g.fromName != "" {
			from = fmt.Sprintf("%s <%s>", g.fromName, g.fromAddr)
		}
	}

	req := &resend.SendEmailRequest{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
		Headers: msg.Headers,
	}

	// Sorted so requests are deterministic.
	names := make([]string, 0, len(msg.Tags))
	for name := range msg.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.Tags = append(req.Tags, resend.Tag{Name: name, Value: msg.Tags[name]})
	}
	return req, nil
}

// notFoundPhrases are the provider messages that mean "nothing left to
// cancel". resend-go surfaces non-429 failures as plain error strings.
var notFoundPhrases = []string{
	"not found",
	"already been sent",
	"already sent",
	"already been cancel",
	"already cancel",
	"cannot be cancel",
}

func translate(op string, err error) error {
	if errors.Is(err, resend.ErrRateLimit) {
		return fmt.Errorf("email: %s: %w: %v", op, ErrRateLimited, err)
	}
	msg := strings.ToLower(err.Error())
	if op == "cancel" {
		for _, phrase := range notFoundPhrases {
			if strings.Contains(msg, phrase) {
				return fmt.Errorf("email: %s: %w: %v", op, ErrNotFound, err)
			}
		}
	}
	return fmt.Errorf("email: %s: %w", op, err)
}
