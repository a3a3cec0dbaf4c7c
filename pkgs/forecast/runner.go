// Package forecast produces model outputs for submission by shelling out
// to the configured inference command and parsing its JSON output.
package forecast

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/query"
)

// Result is one model output for one topic.
type Result struct {
	TopicID   uint64
	Value     float64
	Log10Loss *float64
}

// Runner invokes the inference command once per cycle. The topic ID is
// appended as the final argument; stdout must be JSON carrying the
// forecast value under any of the tolerated key spellings.
type Runner struct {
	Command string
	Args    []string
	Timeout time.Duration
}

var valueAliases = []string{"value", "prediction", "forecast", "inference"}
var lossAliases = []string{"log10_loss", "loss", "log_loss"}

// NewRunner builds a Runner with a default timeout of two minutes.
func NewRunner(command string, args []string, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{Command: command, Args: args, Timeout: timeout}
}

// Produce runs the model for one topic and parses its output.
func (r *Runner) Produce(ctx context.Context, topicID uint64) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	args := append(append([]string(nil), r.Args...), strconv.FormatUint(topicID, 10))
	cmd := exec.CommandContext(ctx, r.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("forecast command failed: %w (stderr: %s)", err, stderr.String())
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !gjson.ValidBytes(out) {
		return Result{}, fmt.Errorf("forecast command produced non-JSON output")
	}
	tree := gjson.ParseBytes(out)

	value, found := query.Extract(tree, valueAliases)
	if !found {
		return Result{}, fmt.Errorf("no forecast value in model output")
	}
	number, ok := query.NormalizeAmount(value)
	if !ok {
		return Result{}, fmt.Errorf("forecast value %q is not numeric", value.String())
	}

	res := Result{TopicID: topicID, Value: number}
	if loss, found := query.Extract(tree, lossAliases); found {
		if lossNum, ok := query.NormalizeAmount(loss); ok {
			res.Log10Loss = &lossNum
		}
	}

	log.WithFields(log.Fields{
		"topic_id": topicID,
		"value":    res.Value,
		"elapsed":  time.Since(started),
	}).Debug("Forecast produced")
	return res, nil
}
