package query

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ErrSourceUnreachable marks transport-level probe failures: the process
// could not be launched, the endpoint could not be reached, or the call
// timed out. Distinct from a reachable source that simply lacks the fact,
// which matters for degraded-mode scoring.
var ErrSourceUnreachable = errors.New("source unreachable")

// ErrMalformedPayload marks a reachable source whose output could not be
// parsed as JSON.
var ErrMalformedPayload = errors.New("malformed payload")

// Unreachable wraps err as a transport-level failure.
func Unreachable(err error) error {
	return fmt.Errorf("%w: %w", ErrSourceUnreachable, err)
}

// IsUnreachable reports whether err is a transport-level failure.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrSourceUnreachable)
}

// Probe fetches one JSON document (or bare scalar) from a single source.
// Implementations must honor ctx cancellation and classify transport-level
// failures with Unreachable.
type Probe interface {
	Name() string
	Fetch(ctx context.Context) (gjson.Result, error)
}

// FuncProbe adapts a plain function into a Probe. Used for cached-value
// sources and for in-memory fakes in tests.
type FuncProbe struct {
	ProbeName string
	Fn        func(ctx context.Context) (gjson.Result, error)
}

func (p FuncProbe) Name() string { return p.ProbeName }

func (p FuncProbe) Fetch(ctx context.Context) (gjson.Result, error) {
	return p.Fn(ctx)
}

// CLIProbe shells out to a network client binary and parses its stdout as
// JSON. A non-zero exit code, launch failure or timeout counts as the
// source being unreachable.
type CLIProbe struct {
	ProbeName string
	Binary    string
	Args      []string
	Timeout   time.Duration
}

func (p CLIProbe) Name() string { return p.ProbeName }

func (p CLIProbe) Fetch(ctx context.Context) (gjson.Result, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Binary, p.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.WithFields(log.Fields{
			"probe":  p.ProbeName,
			"binary": p.Binary,
			"stderr": truncate(stderr.String(), 200),
		}).Debugf("CLI probe failed: %v", err)
		return gjson.Result{}, Unreachable(fmt.Errorf("%s: %w", p.Binary, err))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !gjson.ValidBytes(out) {
		return gjson.Result{}, fmt.Errorf("%w: %s stdout", ErrMalformedPayload, p.Binary)
	}
	return gjson.ParseBytes(out), nil
}

// RESTProbe issues a GET against a JSON endpoint. Retries of transient
// HTTP failures are delegated to the retryable client; whatever still
// fails after that is reported as unreachable.
type RESTProbe struct {
	ProbeName string
	URL       string
	Client    *retryablehttp.Client
}

func (p RESTProbe) Name() string { return p.ProbeName }

func (p RESTProbe) Fetch(ctx context.Context) (gjson.Result, error) {
	client := p.Client
	if client == nil {
		client = NewHTTPClient(10 * time.Second)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", p.URL, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return gjson.Result{}, Unreachable(fmt.Errorf("GET %s: %w", p.URL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gjson.Result{}, Unreachable(fmt.Errorf("GET %s: status %d", p.URL, resp.StatusCode))
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return gjson.Result{}, Unreachable(fmt.Errorf("read %s: %w", p.URL, err))
	}

	raw := bytes.TrimSpace(body.Bytes())
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%w: %s body", ErrMalformedPayload, p.URL)
	}
	return gjson.ParseBytes(raw), nil
}

// NewHTTPClient builds a retryable HTTP client with probe-appropriate
// settings: short timeout, a couple of quick retries, logging routed to
// logrus at debug level.
func NewHTTPClient(timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = leveledLogger{}
	return client
}

// leveledLogger routes retryablehttp's internal logging into logrus.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { log.WithField("kv", kv).Error(msg) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { log.WithField("kv", kv).Debug(msg) }
func (leveledLogger) Info(msg string, kv ...interface{})  { log.WithField("kv", kv).Debug(msg) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { log.WithField("kv", kv).Debug(msg) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
