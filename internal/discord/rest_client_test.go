package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bingx-discord-relay/internal/apperrors"
	"bingx-discord-relay/internal/config"
	"bingx-discord-relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestServer(handler http.Handler) (*RestClient, *httptest.Server) {
	server := httptest.NewServer(handler)
	cfg := &config.Discord{Token: "test-token", BaseURL: server.URL, Timeout: 5 * time.Second}
	return NewRestClient(cfg, zap.NewNop()), server
}

func testMessage(key string) models.NotificationMessage {
	return models.NotificationMessage{
		IdempotencyKey: key,
		ChannelID:      "987654321",
		Content:        "Position opened: BTC-USDT",
		Embed: models.Embed{
			Title:     "Position opened",
			Color:     0x2ECC71,
			Fields:    []models.EmbedField{{Name: "Symbol", Value: "BTC-USDT", Inline: true}},
			Footer:    "Order " + key,
			Timestamp: "2023-11-14T22:13:20Z",
		},
	}
}

func TestSend_Success(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/channels/987654321/messages", r.URL.Path)
		assert.Equal(t, "Bot test-token", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "42", body["nonce"])
		assert.Equal(t, true, body["enforce_nonce"])
		embeds := body["embeds"].([]any)
		require.Len(t, embeds, 1)
		e := embeds[0].(map[string]any)
		assert.Equal(t, "Position opened", e["title"])
		assert.Equal(t, map[string]any{"text": "Order 42"}, e["footer"])
		fields := e["fields"].([]any)
		assert.Equal(t, "Symbol", fields[0].(map[string]any)["name"])

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset-After", "1.5")
		_, _ = w.Write([]byte(`{"id":"111","channel_id":"987654321"}`))
	})
	client, server := setupTestServer(handler)
	defer server.Close()

	receipt, err := client.Send(context.Background(), testMessage("42"))
	require.NoError(t, err)
	assert.Equal(t, "111", receipt.MessageID)
	assert.Equal(t, RateLimit{Known: true, Remaining: 0, ResetAfter: 1500 * time.Millisecond}, receipt.RateLimit)
}

func TestSend_NonceSuppressesDuplicates(t *testing.T) {
	// A fake channel that honours enforce_nonce like the platform does.
	var mu sync.Mutex
	byNonce := map[string]string{}
	var created int

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body createMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		defer mu.Unlock()
		id, ok := byNonce[body.Nonce]
		if !ok || !body.EnforceNonce {
			created++
			id = strings.Repeat("9", created)
			byNonce[body.Nonce] = id
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"` + id + `"}`))
	})
	client, server := setupTestServer(handler)
	defer server.Close()

	first, err := client.Send(context.Background(), testMessage("77"))
	require.NoError(t, err)
	second, err := client.Send(context.Background(), testMessage("77"))
	require.NoError(t, err)

	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, 1, created)
}

func TestSend_ErrorClassification(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		headers map[string]string
		body    string
		check   func(t *testing.T, err error)
	}{
		{
			name:   "RateLimitedBody",
			status: http.StatusTooManyRequests,
			body:   `{"message":"You are being rate limited.","retry_after":2.5,"global":false}`,
			check: func(t *testing.T, err error) {
				d, ok := apperrors.RetryAfterHint(err)
				assert.True(t, ok)
				assert.Equal(t, 2500*time.Millisecond, d)
			},
		},
		{
			name:    "RateLimitedHeader",
			status:  http.StatusTooManyRequests,
			headers: map[string]string{"Retry-After": "2"},
			check: func(t *testing.T, err error) {
				d, ok := apperrors.RetryAfterHint(err)
				assert.True(t, ok)
				assert.Equal(t, 2*time.Second, d)
			},
		},
		{
			name:   "Unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"message":"401: Unauthorized","code":0}`,
			check: func(t *testing.T, err error) {
				assert.True(t, apperrors.IsFatal(err))
			},
		},
		{
			name:   "ServerError",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var transient *apperrors.TransientError
				assert.ErrorAs(t, err, &transient)
				assert.Equal(t, http.StatusBadGateway, transient.StatusCode)
			},
		},
		{
			name:   "BadRequest",
			status: http.StatusBadRequest,
			body:   `{"message":"Invalid Form Body","code":50035}`,
			check: func(t *testing.T, err error) {
				var rejected *apperrors.RejectedError
				assert.ErrorAs(t, err, &rejected)
				assert.False(t, apperrors.IsRetryable(err))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			client, server := setupTestServer(handler)
			defer server.Close()

			_, err := client.Send(context.Background(), testMessage("1"))
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestSend_NetworkErrorIsTransient(t *testing.T) {
	client, server := setupTestServer(http.NotFoundHandler())
	server.Close() // nothing listens any more

	_, err := client.Send(context.Background(), testMessage("1"))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestNonce(t *testing.T) {
	assert.Equal(t, "1736012449498123456", Nonce("1736012449498123456"))

	long := strings.Repeat("x", 40)
	n := Nonce(long)
	assert.Len(t, n, maxNonceLength)
	assert.Equal(t, n, Nonce(long))
	assert.NotEqual(t, n, Nonce(long+"y"))
}
