package query

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Query describes one logical fact to resolve across an ordered list of
// probes. Probes run sequentially with a per-probe timeout; the first one
// that yields the fact wins. Sequential execution is deliberate: every
// probe is a network or process call and the cadence is slow, so fanning
// out in parallel only multiplies load on already-shaky sources.
type Query struct {
	Fact    string
	Aliases []string
	Probes  []Probe
	Timeout time.Duration // per-probe; 0 means the probe's own default
	Numeric bool          // apply unit normalization to the extracted value
}

// Outcome reports the result of running a Query. Found=false means the
// fact is unknown, never that it is false or zero — callers must not
// collapse the two.
type Outcome struct {
	Value       gjson.Result
	Number      float64 // populated when the query is Numeric
	Found       bool
	Source      string
	Attempted   int
	Unreachable int // probes that failed at the transport level
}

// Run executes the query. Every probe failure is non-fatal: it is counted,
// logged at debug level and the next probe is tried.
func Run(ctx context.Context, q Query) Outcome {
	out := Outcome{}

	for _, probe := range q.Probes {
		if ctx.Err() != nil {
			return out
		}
		out.Attempted++

		probeCtx := ctx
		var cancel context.CancelFunc
		if q.Timeout > 0 {
			probeCtx, cancel = context.WithTimeout(ctx, q.Timeout)
		}
		tree, err := probe.Fetch(probeCtx)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			if IsUnreachable(err) {
				out.Unreachable++
			}
			log.WithFields(log.Fields{
				"fact":  q.Fact,
				"probe": probe.Name(),
			}).Debugf("Probe failed: %v", err)
			continue
		}

		value, ok := Extract(tree, q.Aliases)
		if !ok {
			log.WithFields(log.Fields{
				"fact":  q.Fact,
				"probe": probe.Name(),
			}).Debug("Fact absent from probe payload")
			continue
		}

		if q.Numeric {
			num, ok := NormalizeAmount(value)
			if !ok {
				log.WithFields(log.Fields{
					"fact":  q.Fact,
					"probe": probe.Name(),
					"raw":   truncate(value.Raw, 80),
				}).Debug("Fact present but not numeric")
				continue
			}
			out.Number = num
		}

		out.Value = value
		out.Found = true
		out.Source = probe.Name()
		return out
	}

	return out
}
