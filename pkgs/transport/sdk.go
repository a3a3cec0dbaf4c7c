package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
)

// SDKTransport is the primary transport: an in-process client call against
// the network node's submission endpoint.
type SDKTransport struct {
	Endpoint string
	Client   *retryablehttp.Client
	Timeout  time.Duration
}

// NewSDKTransport builds the SDK transport with its own bounded timeout.
func NewSDKTransport(endpoint string, timeout time.Duration) *SDKTransport {
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	return &SDKTransport{Endpoint: endpoint, Client: client, Timeout: timeout}
}

func (t *SDKTransport) Name() string { return "sdk" }

type sdkPayload struct {
	TopicID uint64  `json:"topic_id"`
	Value   float64 `json:"value"`
	Nonce   int64   `json:"nonce"`
	Wallet  string  `json:"wallet"`
}

func (t *SDKTransport) Submit(ctx context.Context, req Request) Outcome {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(sdkPayload{
		TopicID: req.TopicID,
		Value:   req.Value,
		Nonce:   req.Nonce,
		Wallet:  req.Wallet,
	})
	if err != nil {
		return Outcome{Kind: Fatal, Reason: "marshal_payload", Err: err}
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, "POST", t.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: Fatal, Reason: "build_request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return Outcome{Kind: Retryable, Reason: "endpoint_unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{Kind: Retryable, Reason: "read_response", Err: err}
	}
	text := string(raw)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if IsDuplicateSignature(text) {
			return Outcome{Kind: AlreadySubmitted, Reason: "duplicate_window"}
		}
		parsed := ParseOutput(text, "")
		log.WithFields(log.Fields{
			"topic_id": req.TopicID,
			"nonce":    req.Nonce,
			"tx_hash":  parsed.TxHash,
		}).Info("✅ SDK submission accepted")
		return Outcome{Kind: Success, TxHash: parsed.TxHash, Nonce: req.Nonce, Score: parsed.Score, Reward: parsed.Reward}

	case IsDuplicateSignature(text):
		return Outcome{Kind: AlreadySubmitted, Reason: "duplicate_window"}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || IsFatalSignature(text):
		return Outcome{
			Kind:   Fatal,
			Reason: "wallet_configuration_error",
			Err:    fmt.Errorf("status %d: %s", resp.StatusCode, truncate(text, 200)),
		}

	default:
		return Outcome{
			Kind:   Retryable,
			Reason: fmt.Sprintf("status_%d", resp.StatusCode),
			Err:    fmt.Errorf("status %d: %s", resp.StatusCode, truncate(text, 200)),
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
