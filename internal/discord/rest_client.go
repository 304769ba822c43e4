package discord

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"bingx-discord-relay/internal/apperrors"
	"bingx-discord-relay/internal/config"
	"bingx-discord-relay/internal/models"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	serviceName = "discord"

	// Discord rejects nonces longer than 25 characters.
	maxNonceLength = 25
)

// RestClientInterface defines the interface for the Discord REST API client.
type RestClientInterface interface {
	Send(ctx context.Context, msg models.NotificationMessage) (*SendReceipt, error)
}

// RestClient posts messages to Discord channels with a bot token.
// It implements the RestClientInterface.
type RestClient struct {
	client *resty.Client
	logger *zap.Logger
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new Discord REST API client.
func NewRestClient(cfg *config.Discord, logger *zap.Logger) *RestClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", "Bot "+cfg.Token).
		SetHeader("Content-Type", "application/json")

	return &RestClient{
		client: client,
		logger: logger.Named("discord"),
	}
}

// RateLimit is the bucket state reported with a response.
type RateLimit struct {
	Known      bool
	Remaining  int
	ResetAfter time.Duration
}

// SendReceipt is returned for an accepted message.
type SendReceipt struct {
	MessageID string
	RateLimit RateLimit
}

type embedFooter struct {
	Text string `json:"text"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// createMessageRequest is the body of POST /channels/{id}/messages.
type createMessageRequest struct {
	Content      string  `json:"content,omitempty"`
	Embeds       []embed `json:"embeds,omitempty"`
	Nonce        string  `json:"nonce"`
	EnforceNonce bool    `json:"enforce_nonce"`
}

type rateLimitedBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// Nonce maps an idempotency key onto a Discord nonce. The mapping is
// deterministic so a retried send carries the same nonce.
func Nonce(key string) string {
	if len(key) <= maxNonceLength {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:maxNonceLength]
}

// Send posts msg to its channel. With enforce_nonce set, Discord returns the
// already created message instead of a duplicate when the same nonce is
// seen again within a few minutes.
func (c *RestClient) Send(ctx context.Context, msg models.NotificationMessage) (*SendReceipt, error) {
	body := createMessageRequest{
		Content:      msg.Content,
		Embeds:       []embed{toEmbed(msg.Embed)},
		Nonce:        Nonce(msg.IdempotencyKey),
		EnforceNonce: true,
	}

	var created struct {
		ID string `json:"id"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("channelID", msg.ChannelID).
		SetBody(body).
		SetResult(&created).
		Post("/channels/{channelID}/messages")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &apperrors.TransientError{Service: serviceName, Err: err}
	}

	limit := parseRateLimit(resp.Header())
	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests:
		return nil, parseTooManyRequests(resp)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &apperrors.AuthError{Service: serviceName, StatusCode: status, Err: errors.New(resp.String())}
	case status >= 500:
		return nil, &apperrors.TransientError{Service: serviceName, StatusCode: status, Err: errors.New(resp.Status())}
	case status >= 400:
		return nil, &apperrors.RejectedError{Service: serviceName, StatusCode: status, Body: resp.String()}
	}

	c.logger.Debug("Message created",
		zap.String("channel_id", msg.ChannelID),
		zap.String("message_id", created.ID),
		zap.Int("remaining", limit.Remaining),
	)
	return &SendReceipt{MessageID: created.ID, RateLimit: limit}, nil
}

func toEmbed(e models.Embed) embed {
	out := embed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
		Timestamp:   e.Timestamp,
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, embedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if e.Footer != "" {
		out.Footer = &embedFooter{Text: e.Footer}
	}
	return out
}

func parseRateLimit(h http.Header) RateLimit {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return RateLimit{}
	}
	limit := RateLimit{Known: true, Remaining: remaining}
	if reset, err := strconv.ParseFloat(h.Get("X-RateLimit-Reset-After"), 64); err == nil {
		limit.ResetAfter = time.Duration(reset * float64(time.Second))
	}
	return limit
}

// parseTooManyRequests prefers the precise retry_after of the body over the
// whole-second Retry-After header.
func parseTooManyRequests(resp *resty.Response) error {
	limited := &apperrors.RateLimitError{Service: serviceName}
	var body rateLimitedBody
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.RetryAfter > 0 {
		limited.RetryAfter = time.Duration(body.RetryAfter * float64(time.Second))
		limited.Global = body.Global
		return limited
	}
	if seconds, err := strconv.ParseFloat(resp.Header().Get("Retry-After"), 64); err == nil {
		limited.RetryAfter = time.Duration(seconds * float64(time.Second))
	}
	return limited
}
