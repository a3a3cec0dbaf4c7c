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

// CLITransport shells out to the network's command line client. Secondary
// transport: slower than the SDK call but survives SDK endpoint outages.
type CLITransport struct {
	Binary  string
	KeyName string
	ChainID string
	NodeRPC string
	Timeout time.Duration
}

func (t *CLITransport) Name() string { return "cli" }

func (t *CLITransport) Submit(ctx context.Context, req Request) Outcome {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"tx", "emissions", "insert-worker-payload",
		"--topic-id", strconv.FormatUint(req.TopicID, 10),
		"--value", strconv.FormatFloat(req.Value, 'f', -1, 64),
		"--nonce", strconv.FormatInt(req.Nonce, 10),
		"--from", t.KeyName,
		"--output", "json",
		"--yes",
	}
	if t.ChainID != "" {
		args = append(args, "--chain-id", t.ChainID)
	}
	if t.NodeRPC != "" {
		args = append(args, "--node", t.NodeRPC)
	}

	cmd := exec.CommandContext(ctx, t.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	outText, errText := stdout.String(), stderr.String()
	combined := outText + "\n" + errText

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{Kind: Retryable, Reason: "cli_timeout", Err: ctx.Err()}
		}
		if IsDuplicateSignature(combined) {
			return Outcome{Kind: AlreadySubmitted, Reason: "duplicate_window"}
		}
		if IsFatalSignature(combined) {
			return Outcome{
				Kind:   Fatal,
				Reason: "wallet_configuration_error",
				Err:    fmt.Errorf("%s: %s", t.Binary, truncate(errText, 200)),
			}
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return Outcome{
			Kind:   Retryable,
			Reason: fmt.Sprintf("cli_exit_%d", exitCode),
			Err:    fmt.Errorf("%s: %w: %s", t.Binary, err, truncate(errText, 200)),
		}
	}

	if IsDuplicateSignature(combined) {
		return Outcome{Kind: AlreadySubmitted, Reason: "duplicate_window"}
	}

	parsed := ParseOutput(outText, errText)
	if parsed.TxHash == "" {
		// The client exited cleanly but produced nothing recognizable as
		// a transaction. Treat as retryable so the helper gets a shot.
		return Outcome{Kind: Retryable, Reason: "cli_no_tx_hash"}
	}

	log.WithFields(log.Fields{
		"topic_id": req.TopicID,
		"nonce":    req.Nonce,
		"tx_hash":  parsed.TxHash,
	}).Info("✅ CLI submission accepted")
	return Outcome{Kind: Success, TxHash: parsed.TxHash, Nonce: req.Nonce, Score: parsed.Score, Reward: parsed.Reward}
}
