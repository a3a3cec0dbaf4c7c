package transport

import (
	"context"
	"strings"
)

// OutcomeKind is the exhaustive classification of one transport call.
// Returned by value, never raised: the orchestrator's transition table
// switches over it.
type OutcomeKind int

const (
	// Success: the network accepted the submission.
	Success OutcomeKind = iota
	// Retryable: transient failure, try the next transport or round.
	Retryable
	// Fatal: credential or configuration problem; no transport will do
	// better, abort the attempt sequence.
	Fatal
	// AlreadySubmitted: the network reported a duplicate for this epoch.
	// Success-shaped failure: no further retries are worthwhile.
	AlreadySubmitted
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	case AlreadySubmitted:
		return "already_submitted"
	default:
		return "unknown"
	}
}

// Request carries one submission: the forecast value bound to a topic and
// a resolved nonce. The nonce is chosen once per attempt sequence and
// passed unchanged to whichever transport ultimately succeeds.
type Request struct {
	TopicID uint64
	Value   float64
	Nonce   int64
	Wallet  string
}

// Outcome is the result of one transport call.
type Outcome struct {
	Kind   OutcomeKind
	TxHash string
	Nonce  int64
	Score  string // populated when the transport surfaces it, else empty
	Reward string
	Reason string // short machine-readable cause, folded into the ledger status
	Err    error
}

// Transport is one concrete mechanism capable of delivering a submission.
// Implementations wrap their own timeout and never panic; every failure
// comes back as an Outcome.
type Transport interface {
	Name() string
	Submit(ctx context.Context, req Request) Outcome
}

// duplicateSignatures are the error fragments the network's clients emit
// when a value was already accepted for the current epoch.
var duplicateSignatures = []string{
	"duplicate submission",
	"already submitted",
	"already fulfilled",
	"worker nonce already",
	"duplicate update",
}

// IsDuplicateSignature reports whether s carries the network's
// "duplicate submission for this epoch" error shape.
func IsDuplicateSignature(s string) bool {
	lower := strings.ToLower(s)
	for _, sig := range duplicateSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// fatalSignatures identify credential and wallet misconfiguration: the
// kind of failure where retrying other transports only burns the backoff
// budget.
var fatalSignatures = []string{
	"wallet_configuration_error",
	"key not found",
	"invalid mnemonic",
	"malformed wallet",
	"unauthorized",
	"invalid credentials",
}

// IsFatalSignature reports whether s indicates a credential or wallet
// configuration failure.
func IsFatalSignature(s string) bool {
	lower := strings.ToLower(s)
	for _, sig := range fatalSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
