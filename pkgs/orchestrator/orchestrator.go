package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/ledger"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/metrics"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/topic"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/transport"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/windowing"
)

// AttemptState names the orchestrator's state machine states. Terminal
// states are Skipped, Succeeded, Duplicate, Exhausted and Aborted.
type AttemptState string

const (
	StateIdle       AttemptState = "idle"
	StateEligible   AttemptState = "eligible"
	StateSkipped    AttemptState = "skipped"
	StateSucceeded  AttemptState = "succeeded"
	StateDuplicate  AttemptState = "duplicate"
	StateExhausted  AttemptState = "exhausted"
	StateAborted    AttemptState = "aborted"
)

// Skip reason codes recorded when no transport is attempted.
const (
	SkipAlreadySubmitted = "already_submitted_window"
	SkipOutsideInterval  = "outside_competition_interval"
	SkipCooldown         = "cooldown_active"
	SkipTopicInactive    = "topic_not_active"
	SkipLossFilter       = "loss_filter_rejected"
	SkipNonceUnresolved  = "nonce_unresolved"
)

// StatusExhausted is the ledger status written when every transport round
// failed retryably up to the attempt cap.
const StatusExhausted = "exhausted_retries"

// Forecast is one model output to deliver for the current window.
type Forecast struct {
	TopicID   uint64
	Value     float64
	Log10Loss *float64 // recent model loss, feeds the loss filter and the ledger
}

// Result reports how one window attempt ended.
type Result struct {
	State          AttemptState
	SkipReason     string
	TransportCalls int
	Record         *ledger.Record // the row written on a terminal outcome, if any
}

// NonceCache remembers the last nonce used per topic; the lowest-priority
// fallback during nonce resolution. Implemented by pkgs/cache.
type NonceCache interface {
	LastNonce(ctx context.Context, topicID uint64) (int64, bool)
	StoreNonce(ctx context.Context, topicID uint64, nonce int64)
}

// Config is the orchestrator's immutable configuration.
type Config struct {
	Cadence          time.Duration
	CompetitionStart time.Time
	CompetitionEnd   time.Time
	Wallet           string
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	Cooldown         time.Duration // post-success quiet period within one scoring epoch
	ForceSubmit      bool          // overrides the topic-active guard and the loss filter
	LossFilter       *LossFilter   // nil disables loss filtering
	Now              func() time.Time
}

// Orchestrator drives one submission attempt per window through the
// transports in priority order, with the ledger as idempotency guard and
// audit trail. One instance is shared by all per-topic loops; the mutable
// state is keyed by topic and guarded by mu.
type Orchestrator struct {
	cfg        Config
	ledger     *ledger.Ledger
	transports []transport.Transport
	nonces     NonceCache // may be nil

	mu            sync.Mutex
	lastSuccessAt map[uint64]time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator. transports are tried strictly in the given
// order; nonces may be nil when no cache is configured.
func New(cfg Config, led *ledger.Ledger, transports []transport.Transport, nonces NonceCache) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		cfg:           cfg,
		ledger:        led,
		transports:    transports,
		nonces:        nonces,
		lastSuccessAt: map[uint64]time.Time{},
		sleep:         sleepCtx,
	}
}

// SubmitForecast runs the state machine for the current window:
// Idle -> guards -> {Skipped | Eligible} -> Attempting(transport=i) ->
// {Succeeded | Duplicate | Exhausted}. Exactly one ledger upsert happens
// on a terminal outcome; a Skipped or Aborted attempt writes nothing.
func (o *Orchestrator) SubmitForecast(ctx context.Context, fc Forecast, state *topic.State) (Result, error) {
	now := o.cfg.Now().UTC()
	key := windowing.KeyFor(now, o.cfg.Cadence, fc.TopicID)
	traceID := shortTrace()

	logger := log.WithFields(log.Fields{
		"topic_id": fc.TopicID,
		"window":   key.WindowStart,
		"trace":    traceID,
	})

	if res, skipped := o.checkGuards(logger, key, now, fc, state); skipped {
		metrics.AttemptsTotal.WithLabelValues(string(StateSkipped), res.SkipReason).Inc()
		return res, nil
	}
	logger.Info("Window eligible, resolving nonce")

	nonce, source, ok := o.resolveNonce(ctx, fc.TopicID, state)
	if !ok {
		logger.Warn("No nonce could be resolved, recording and standing down")
		rec := o.buildRecord(key, fc, nil, 0, false, 1, SkipNonceUnresolved+"|trace:"+traceID)
		if err := o.ledger.Upsert(ctx, rec); err != nil {
			return Result{State: StateExhausted}, fmt.Errorf("ledger upsert: %w", err)
		}
		metrics.AttemptsTotal.WithLabelValues(string(StateExhausted), SkipNonceUnresolved).Inc()
		return Result{State: StateExhausted, SkipReason: SkipNonceUnresolved, Record: &rec}, nil
	}
	logger.WithFields(log.Fields{"nonce": nonce, "nonce_source": source}).Debug("Nonce resolved")

	req := transport.Request{
		TopicID: fc.TopicID,
		Value:   fc.Value,
		Nonce:   nonce,
		Wallet:  o.cfg.Wallet,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.BackoffBase
	bo.MaxInterval = o.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	calls := 0
	var trace []string

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		for _, tr := range o.transports {
			if ctx.Err() != nil {
				logger.Info("Attempt aborted by shutdown")
				return Result{State: StateAborted, TransportCalls: calls}, ctx.Err()
			}

			started := o.cfg.Now()
			out := tr.Submit(ctx, req)
			calls++
			elapsed := o.cfg.Now().Sub(started)
			metrics.TransportCallsTotal.WithLabelValues(tr.Name(), out.Kind.String()).Inc()

			switch out.Kind {
			case transport.Success:
				o.markSuccess(fc.TopicID, now)
				if o.nonces != nil {
					o.nonces.StoreNonce(ctx, fc.TopicID, out.Nonce)
				}
				status := strings.Join(append([]string{"submitted", "via:" + tr.Name()}, trace...), "|") + "|trace:" + traceID
				rec := o.buildRecord(key, fc, &out, nonce, true, 0, status)
				if err := o.ledger.Upsert(ctx, rec); err != nil {
					return Result{State: StateSucceeded, TransportCalls: calls}, fmt.Errorf("ledger upsert: %w", err)
				}
				metrics.AttemptsTotal.WithLabelValues(string(StateSucceeded), "").Inc()
				logger.WithFields(log.Fields{
					"transport": tr.Name(),
					"tx_hash":   out.TxHash,
					"elapsed":   elapsed,
				}).Info("✅ Submission recorded")
				return Result{State: StateSucceeded, TransportCalls: calls, Record: &rec}, nil

			case transport.AlreadySubmitted:
				// Success-shaped failure: the window is closed, nothing to
				// retry, nothing to alarm on.
				status := "duplicate_window|via:" + tr.Name() + "|trace:" + traceID
				rec := o.buildRecord(key, fc, &out, nonce, false, 0, status)
				if err := o.ledger.Upsert(ctx, rec); err != nil {
					return Result{State: StateDuplicate, TransportCalls: calls}, fmt.Errorf("ledger upsert: %w", err)
				}
				metrics.AttemptsTotal.WithLabelValues(string(StateDuplicate), "").Inc()
				logger.WithField("transport", tr.Name()).Info("Window already submitted on-chain, standing down")
				return Result{State: StateDuplicate, TransportCalls: calls, Record: &rec}, nil

			case transport.Fatal:
				status := strings.Join(append([]string{out.Reason, "via:" + tr.Name()}, trace...), "|") + "|trace:" + traceID
				rec := o.buildRecord(key, fc, &out, nonce, false, 2, status)
				if err := o.ledger.Upsert(ctx, rec); err != nil {
					return Result{State: StateExhausted, TransportCalls: calls}, fmt.Errorf("ledger upsert: %w", err)
				}
				metrics.AttemptsTotal.WithLabelValues(string(StateExhausted), out.Reason).Inc()
				logger.WithFields(log.Fields{
					"transport": tr.Name(),
					"reason":    out.Reason,
				}).Error("❌ Fatal transport error, aborting attempt sequence")
				return Result{State: StateExhausted, TransportCalls: calls, Record: &rec}, nil

			case transport.Retryable:
				trace = append(trace, fmt.Sprintf("a%d.%s:%s", attempt, tr.Name(), out.Reason))
				logger.WithFields(log.Fields{
					"transport": tr.Name(),
					"attempt":   attempt,
					"reason":    out.Reason,
				}).Debugf("Transport failed retryably: %v", out.Err)
			}
		}

		if attempt < o.cfg.MaxAttempts {
			wait := bo.NextBackOff()
			logger.WithFields(log.Fields{"attempt": attempt, "backoff": wait}).
				Info("All transports failed, backing off before next round")
			if err := o.sleep(ctx, wait); err != nil {
				return Result{State: StateAborted, TransportCalls: calls}, err
			}
		}
	}

	status := strings.Join(append([]string{StatusExhausted}, trace...), "|") + "|trace:" + traceID
	rec := o.buildRecord(key, fc, nil, nonce, false, 1, status)
	if err := o.ledger.Upsert(ctx, rec); err != nil {
		return Result{State: StateExhausted, TransportCalls: calls}, fmt.Errorf("ledger upsert: %w", err)
	}
	metrics.AttemptsTotal.WithLabelValues(string(StateExhausted), StatusExhausted).Inc()
	logger.WithField("transport_calls", calls).Warn("Retries exhausted for window")
	return Result{State: StateExhausted, TransportCalls: calls, Record: &rec}, nil
}

// checkGuards applies the pre-transport gates in order. The first failing
// gate wins; no transport is invoked for a skipped window.
func (o *Orchestrator) checkGuards(logger *log.Entry, key windowing.WindowKey, now time.Time, fc Forecast, state *topic.State) (Result, bool) {
	skip := func(reason string) (Result, bool) {
		logger.WithField("reason", reason).Info("Skipping window")
		return Result{State: StateSkipped, SkipReason: reason}, true
	}

	done, err := o.ledger.HasSuccess(key)
	if err != nil {
		// A ledger read failure must not cause a double submission; skip
		// and let the next cycle retry once the file is readable again.
		logger.Errorf("Idempotency guard unreadable, skipping: %v", err)
		return skip(SkipAlreadySubmitted)
	}
	if done {
		return skip(SkipAlreadySubmitted)
	}

	if !o.cfg.CompetitionStart.IsZero() && now.Before(o.cfg.CompetitionStart) {
		return skip(SkipOutsideInterval)
	}
	if !o.cfg.CompetitionEnd.IsZero() && now.After(o.cfg.CompetitionEnd) {
		return skip(SkipOutsideInterval)
	}

	if o.cfg.Cooldown > 0 {
		if last, ok := o.lastSuccess(fc.TopicID); ok && now.Sub(last) < o.cfg.Cooldown {
			return skip(SkipCooldown)
		}
	}

	if state != nil && !state.IsActive && !o.cfg.ForceSubmit {
		reason := SkipTopicInactive
		if len(state.BlockingReasons) > 0 {
			reason += ":" + strings.Join(state.BlockingReasons, ",")
		}
		return skip(reason)
	}

	if o.cfg.LossFilter != nil && fc.Log10Loss != nil && !o.cfg.ForceSubmit {
		anomalous := o.cfg.LossFilter.Anomalous(fc.TopicID, *fc.Log10Loss)
		o.cfg.LossFilter.Observe(fc.TopicID, *fc.Log10Loss)
		if anomalous {
			return skip(SkipLossFilter)
		}
	} else if o.cfg.LossFilter != nil && fc.Log10Loss != nil {
		o.cfg.LossFilter.Observe(fc.TopicID, *fc.Log10Loss)
	}

	return Result{State: StateEligible}, false
}

func (o *Orchestrator) lastSuccess(topicID uint64) (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	last, ok := o.lastSuccessAt[topicID]
	return last, ok
}

func (o *Orchestrator) markSuccess(topicID uint64, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastSuccessAt[topicID] = at
}

// resolveNonce picks the nonce for this attempt sequence, once: the
// network's authoritative unfulfilled nonce, then current block height,
// then the cached nonce from a previous cycle.
func (o *Orchestrator) resolveNonce(ctx context.Context, topicID uint64, state *topic.State) (int64, string, bool) {
	if state != nil && state.UnfulfilledNonce != nil {
		return *state.UnfulfilledNonce, "unfulfilled_nonce", true
	}
	if state != nil && state.BlockHeight != nil {
		return *state.BlockHeight, "block_height", true
	}
	if o.nonces != nil {
		if nonce, ok := o.nonces.LastNonce(ctx, topicID); ok {
			return nonce, "cached", true
		}
	}
	return 0, "", false
}

// buildRecord shapes the one terminal ledger row for this attempt. nonce
// is the resolved nonce for the attempt sequence; a nonce reported back by
// the transport takes precedence over it.
func (o *Orchestrator) buildRecord(key windowing.WindowKey, fc Forecast, out *transport.Outcome, nonce int64, success bool, exitCode int, status string) ledger.Record {
	rec := ledger.Record{
		WindowStart: key.WindowStart,
		TopicID:     key.TopicID,
		Value:       ledger.Float64(fc.Value),
		Wallet:      o.cfg.Wallet,
		Success:     success,
		ExitCode:    exitCode,
		Status:      status,
		Log10Loss:   fc.Log10Loss,
	}
	if nonce != 0 {
		rec.Nonce = ledger.Int64(nonce)
	}
	if out != nil {
		rec.TxHash = out.TxHash
		if out.Nonce != 0 {
			rec.Nonce = ledger.Int64(out.Nonce)
		}
		rec.Score = out.Score
		rec.Reward = out.Reward
	}
	if success && rec.Score == "" {
		// Scores arrive asynchronously from the network; mark for the
		// offline backfill pass.
		rec.Score = ledger.PendingCell
		rec.Reward = ledger.PendingCell
	}
	return rec
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func shortTrace() string {
	return uuid.NewString()[:8]
}
