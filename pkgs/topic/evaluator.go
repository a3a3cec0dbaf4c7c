package topic

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/query"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/windowing"
)

// ReputerEstimatePolicy decides what to do when no direct reputer count is
// available but indirect evidence (stake and revenue present, or a positive
// secondary score probe) suggests reputers exist. EstimateOne favors
// availability: a false "no reputers" permanently misses a window, while a
// false "one reputer" only costs a rejected transaction.
type ReputerEstimatePolicy string

const (
	EstimateOne ReputerEstimatePolicy = "estimate_one"
	StrictBlock ReputerEstimatePolicy = "strict_block"
)

// Sources supplies the ordered probe list for each logical fact. The
// production implementation lives in pkgs/chain; tests plug in fakes.
type Sources interface {
	ProbesFor(fact string, topicID uint64) []query.Probe
}

// factAliases lists the tolerated key spellings per fact, most
// authoritative first. The network's CLI and REST clients disagree on
// naming, so the extractor searches all of them.
var factAliases = map[string][]string{
	FactActive:           {"active", "is_active", "topic_active"},
	FactEffectiveRevenue: {"effective_revenue", "fee_revenue", "topic_fee_revenue"},
	FactDelegatedStake:   {"delegated_stake", "total_stake", "stake_in_topic", "topic_stake"},
	FactReputersCount:    {"reputers_count", "reputer_count", "reputers"},
	FactReputerScore:     {"reputer_quantile_score", "quantile_score"},
	FactUnfulfilledNonce: {"unfulfilled_nonce", "nonce", "block_height"},
	FactEpochLength:      {"epoch_length"},
	FactSubmissionWindow: {"worker_submission_window", "submission_window", "window_length"},
	FactEpochLastEnded:   {"epoch_last_ended", "last_epoch_end", "epoch_last_end_block"},
	FactBlockHeight:      {"height", "latest_block_height", "block_height"},
}

// FactAliases returns the tolerated key spellings for a fact, most
// authoritative first. Callers running ad-hoc fact queries outside the
// evaluator (window scheduling, monitoring) share the same table.
func FactAliases(fact string) []string {
	return factAliases[fact]
}

// EvaluatorConfig carries the evaluator's tunables, all resolved from the
// immutable process settings at startup.
type EvaluatorConfig struct {
	MinStakeOverride  *float64
	ReputerPolicy     ReputerEstimatePolicy
	DegradedThreshold int           // transport failures per evaluation that flip degraded mode
	ProbeTimeout      time.Duration // per-probe timeout for every fact query
}

// Evaluator fuses partially-failing data sources into a single
// confidence-scored State per topic.
type Evaluator struct {
	sources Sources
	cfg     EvaluatorConfig
}

// NewEvaluator creates a topic lifecycle evaluator.
func NewEvaluator(sources Sources, cfg EvaluatorConfig) *Evaluator {
	if cfg.ReputerPolicy == "" {
		cfg.ReputerPolicy = EstimateOne
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 3
	}
	return &Evaluator{sources: sources, cfg: cfg}
}

// Evaluate recomputes the topic's State. Every decision rule that fails
// appends its reason code and evaluation continues, so the caller sees all
// blockers, not just the first. prev is the previous cycle's State (may be
// nil) and is used only to log transitions.
func (e *Evaluator) Evaluate(ctx context.Context, topicID uint64, prev *State) *State {
	state := &State{
		TopicID:     topicID,
		EvaluatedAt: time.Now().UTC(),
	}

	facts := map[string]query.Outcome{}
	unreachable := 0
	for _, fact := range []string{
		FactActive, FactEffectiveRevenue, FactDelegatedStake,
		FactReputersCount, FactReputerScore, FactUnfulfilledNonce,
		FactEpochLength, FactSubmissionWindow, FactEpochLastEnded,
		FactBlockHeight,
	} {
		out := query.Run(ctx, query.Query{
			Fact:    fact,
			Aliases: factAliases[fact],
			Probes:  e.sources.ProbesFor(fact, topicID),
			Timeout: e.cfg.ProbeTimeout,
			Numeric: fact != FactActive,
		})
		facts[fact] = out
		unreachable += out.Unreachable
	}

	// Degraded mode: enough sources were flat-out unreachable that strict
	// gating would halt submissions for the rest of the competition. Widen
	// acceptance instead of going dark.
	state.Degraded = unreachable >= e.cfg.DegradedThreshold
	if state.Degraded {
		log.WithFields(log.Fields{
			"topic_id":    topicID,
			"unreachable": unreachable,
			"threshold":   e.cfg.DegradedThreshold,
		}).Warn("Probe layer degraded, widening acceptance criteria")
	}

	e.applyActiveRule(state, facts[FactActive])
	e.applyRevenueRule(state, facts[FactEffectiveRevenue])
	e.applyStakeRule(state, facts[FactDelegatedStake])
	e.applyReputerRule(state, facts[FactReputersCount], facts[FactReputerScore])
	e.applyWindowRule(state, facts)

	if nonce := facts[FactUnfulfilledNonce]; nonce.Found {
		state.UnfulfilledNonce = i64ptr(int64(nonce.Number))
	}
	if height := facts[FactBlockHeight]; height.Found {
		state.BlockHeight = i64ptr(int64(height.Number))
	}

	state.IsActive = len(state.BlockingReasons) == 0

	e.logTransition(prev, state)
	return state
}

func (e *Evaluator) applyActiveRule(state *State, out query.Outcome) {
	if !out.Found {
		// Unknown is not inactive; only an explicit false blocks.
		return
	}
	active, ok := query.NormalizeBool(out.Value)
	if ok && !active {
		state.BlockingReasons = append(state.BlockingReasons, ReasonTopicInactive)
	}
}

func (e *Evaluator) applyRevenueRule(state *State, out query.Outcome) {
	if !out.Found {
		state.BlockingReasons = append(state.BlockingReasons, ReasonEffectiveRevenueMissing)
		return
	}
	state.EffectiveRevenue = f64ptr(out.Number)
	if out.Number <= 0 {
		state.BlockingReasons = append(state.BlockingReasons, ReasonEffectiveRevenueZero)
		return
	}
	state.IsFunded = true
}

func (e *Evaluator) applyStakeRule(state *State, out query.Outcome) {
	state.MinRequiredStake = e.cfg.MinStakeOverride

	if !out.Found {
		if state.Degraded {
			// Transport outage, not evidence of a drained topic.
			log.WithField("topic_id", state.TopicID).
				Debug("Stake unknown in degraded mode, treating as pass")
			return
		}
		state.BlockingReasons = append(state.BlockingReasons, ReasonDelegatedStakeMissing)
		return
	}

	state.DelegatedStake = f64ptr(out.Number)

	// Zero stake from a healthy probe layer means the topic really is
	// unstaked; in degraded mode it is more likely a half-broken source.
	if out.Number == 0 && !state.Degraded {
		state.BlockingReasons = append(state.BlockingReasons, ReasonStakeBelowMinimum)
		return
	}
	if state.MinRequiredStake != nil && out.Number < *state.MinRequiredStake && !state.Degraded {
		state.BlockingReasons = append(state.BlockingReasons, ReasonStakeBelowMinimum)
	}
}

func (e *Evaluator) applyReputerRule(state *State, count, score query.Outcome) {
	if count.Found && count.Number >= 1 {
		state.ReputersCount = i64ptr(int64(count.Number))
		return
	}

	// Direct count unavailable or zero: look for indirect evidence that
	// reputers are participating before declaring the topic dead.
	stakePresent := state.DelegatedStake != nil && *state.DelegatedStake > 0
	revenuePresent := state.EffectiveRevenue != nil && *state.EffectiveRevenue > 0
	scorePositive := score.Found && score.Number > 0

	if e.cfg.ReputerPolicy == EstimateOne && ((stakePresent && revenuePresent) || scorePositive) {
		state.ReputersCount = i64ptr(1)
		state.ReputersEstimated = true
		log.WithFields(log.Fields{
			"topic_id":       state.TopicID,
			"stake_present":  stakePresent,
			"score_positive": scorePositive,
		}).Debug("Reputer count unknown, estimating 1 from indirect evidence")
		return
	}

	if count.Found {
		state.ReputersCount = i64ptr(int64(count.Number))
	}
	state.BlockingReasons = append(state.BlockingReasons, ReasonReputersMissing)
}

func (e *Evaluator) applyWindowRule(state *State, facts map[string]query.Outcome) {
	epochLen := facts[FactEpochLength]
	lastEnded := facts[FactEpochLastEnded]
	height := facts[FactBlockHeight]
	windowSize := facts[FactSubmissionWindow]

	if !epochLen.Found || !lastEnded.Found || !height.Found || !windowSize.Found || epochLen.Number <= 0 {
		// Insufficient data to place the window. An unconfident "closed"
		// must never suppress a submission attempt.
		state.Window = WindowState{Confidence: false}
		return
	}

	remaining := windowing.BlocksRemaining(
		int64(height.Number), int64(lastEnded.Number), int64(epochLen.Number))
	state.Window = WindowState{
		IsOpen:          remaining > 0 && remaining <= int64(windowSize.Number),
		Confidence:      true,
		BlocksRemaining: i64ptr(remaining),
	}

	if !state.Window.IsOpen {
		state.BlockingReasons = append(state.BlockingReasons, ReasonSubmissionWindowClosed)
	}
}

func (e *Evaluator) logTransition(prev, cur *State) {
	fields := log.Fields{
		"topic_id":  cur.TopicID,
		"is_active": cur.IsActive,
		"is_funded": cur.IsFunded,
		"degraded":  cur.Degraded,
		"reasons":   cur.BlockingReasons,
	}
	if prev == nil || prev.IsActive != cur.IsActive {
		if cur.IsActive {
			log.WithFields(fields).Info("✅ Topic is active")
		} else {
			log.WithFields(fields).Info("Topic is not active")
		}
		return
	}
	log.WithFields(fields).Debug("Topic state unchanged")
}
