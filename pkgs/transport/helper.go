package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// HelperTransport invokes an external helper process (last resort in the
// priority order) and scrapes its stdout/stderr heuristically for a
// transaction hash, nonce, score and reward. The helper is a black box:
// only its exit code and output shape are contracted.
type HelperTransport struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (t *HelperTransport) Name() string { return "helper" }

func (t *HelperTransport) Submit(ctx context.Context, req Request) Outcome {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, t.Args...)
	args = append(args,
		"--topic-id", strconv.FormatUint(req.TopicID, 10),
		"--value", strconv.FormatFloat(req.Value, 'f', -1, 64),
		"--nonce", strconv.FormatInt(req.Nonce, 10),
	)

	cmd := exec.CommandContext(ctx, t.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	outText, errText := stdout.String(), stderr.String()
	combined := outText + "\n" + errText

	if IsDuplicateSignature(combined) {
		return Outcome{Kind: AlreadySubmitted, Reason: "duplicate_window"}
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{Kind: Retryable, Reason: "helper_timeout", Err: ctx.Err()}
		}
		if IsFatalSignature(combined) {
			return Outcome{
				Kind:   Fatal,
				Reason: "wallet_configuration_error",
				Err:    fmt.Errorf("%s: %s", t.Command, truncate(errText, 200)),
			}
		}
		return Outcome{
			Kind:   Retryable,
			Reason: "helper_failed",
			Err:    fmt.Errorf("%s: %w: %s", t.Command, err, truncate(errText, 200)),
		}
	}

	parsed := ParseOutput(outText, errText)
	if parsed.TxHash == "" {
		return Outcome{Kind: Retryable, Reason: "helper_no_tx_hash"}
	}

	nonce := parsed.Nonce
	if nonce == 0 {
		nonce = req.Nonce
	}
	log.WithFields(log.Fields{
		"topic_id": req.TopicID,
		"nonce":    nonce,
		"tx_hash":  parsed.TxHash,
		"score":    parsed.Score,
	}).Info("✅ Helper submission accepted")
	return Outcome{Kind: Success, TxHash: parsed.TxHash, Nonce: nonce, Score: parsed.Score, Reward: parsed.Reward}
}
