package topic

import (
	"time"
)

// Blocking reason codes, stable across releases: operators alert on them
// and the ledger status strings embed them.
const (
	ReasonTopicInactive           = "topic_inactive"
	ReasonEffectiveRevenueMissing = "effective_revenue_missing"
	ReasonEffectiveRevenueZero    = "effective_revenue_zero"
	ReasonDelegatedStakeMissing   = "delegated_stake_missing"
	ReasonStakeBelowMinimum       = "delegated_stake_below_minimum"
	ReasonReputersMissing         = "reputers_missing"
	ReasonSubmissionWindowClosed  = "submission_window_closed"
)

// Logical fact names resolved by the evaluator. Each maps to one
// multi-source query against the network.
const (
	FactActive           = "active"
	FactEffectiveRevenue = "effective_revenue"
	FactDelegatedStake   = "delegated_stake"
	FactReputersCount    = "reputers_count"
	FactReputerScore     = "reputer_score"
	FactUnfulfilledNonce = "unfulfilled_nonce"
	FactEpochLength      = "epoch_length"
	FactSubmissionWindow = "submission_window"
	FactEpochLastEnded   = "epoch_last_ended"
	FactBlockHeight      = "block_height"
)

// WindowState describes the topic's submission window as far as it could
// be established. Confidence=false means the inputs needed to place the
// window were incomplete; IsOpen must then be ignored, never treated as
// closed.
type WindowState struct {
	IsOpen          bool   `json:"is_open"`
	Confidence      bool   `json:"confidence"`
	BlocksRemaining *int64 `json:"blocks_remaining,omitempty"`
}

// State is the evaluator's verdict for one topic at one instant. It is
// recomputed every cycle and never persisted as a source of truth; the
// previous cycle's State is threaded back in only so transitions can be
// logged.
type State struct {
	TopicID           uint64      `json:"topic_id"`
	IsActive          bool        `json:"is_active"`
	IsFunded          bool        `json:"is_funded"`
	ReputersCount     *int64      `json:"reputers_count,omitempty"`
	ReputersEstimated bool        `json:"reputers_estimated,omitempty"`
	DelegatedStake    *float64    `json:"delegated_stake,omitempty"`
	MinRequiredStake  *float64    `json:"min_required_stake,omitempty"`
	EffectiveRevenue  *float64    `json:"effective_revenue,omitempty"`
	UnfulfilledNonce  *int64      `json:"unfulfilled_nonce,omitempty"`
	BlockHeight       *int64      `json:"block_height,omitempty"`
	Window            WindowState `json:"window"`
	BlockingReasons   []string    `json:"blocking_reasons,omitempty"`
	Degraded          bool        `json:"degraded"`
	EvaluatedAt       time.Time   `json:"evaluated_at"`
}

// Blocked reports whether code is among the state's blocking reasons.
func (s *State) Blocked(code string) bool {
	for _, r := range s.BlockingReasons {
		if r == code {
			return true
		}
	}
	return false
}

func i64ptr(v int64) *int64     { return &v }
func f64ptr(v float64) *float64 { return &v }
