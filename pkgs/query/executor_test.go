package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func jsonProbe(name, payload string) Probe {
	return FuncProbe{
		ProbeName: name,
		Fn: func(ctx context.Context) (gjson.Result, error) {
			return gjson.Parse(payload), nil
		},
	}
}

func failingProbe(name string, err error) Probe {
	return FuncProbe{
		ProbeName: name,
		Fn: func(ctx context.Context) (gjson.Result, error) {
			return gjson.Result{}, err
		},
	}
}

func TestRunFirstSuccessWins(t *testing.T) {
	out := Run(context.Background(), Query{
		Fact:    "epoch_length",
		Aliases: []string{"epoch_length"},
		Probes: []Probe{
			jsonProbe("cli", `{"topic":{"epoch_length":"120"}}`),
			jsonProbe("rest", `{"epoch_length":"999"}`),
		},
		Numeric: true,
	})

	require.True(t, out.Found)
	assert.Equal(t, "cli", out.Source)
	assert.Equal(t, float64(120), out.Number)
	assert.Equal(t, 1, out.Attempted)
}

func TestRunFallsThroughFailures(t *testing.T) {
	out := Run(context.Background(), Query{
		Fact:    "delegated_stake",
		Aliases: []string{"delegated_stake", "total_stake"},
		Probes: []Probe{
			failingProbe("cli", Unreachable(errors.New("no such binary"))),
			jsonProbe("rest", `{"not":"here"}`),
			jsonProbe("cached", `{"total_stake":"5000000uallo"}`),
		},
		Numeric: true,
	})

	require.True(t, out.Found)
	assert.Equal(t, "cached", out.Source)
	assert.Equal(t, float64(5), out.Number)
	assert.Equal(t, 3, out.Attempted)
	assert.Equal(t, 1, out.Unreachable)
}

func TestRunAllProbesFailMeansUnknown(t *testing.T) {
	out := Run(context.Background(), Query{
		Fact:    "reputers",
		Aliases: []string{"reputers", "reputer_count"},
		Probes: []Probe{
			failingProbe("cli", Unreachable(errors.New("timeout"))),
			failingProbe("rest", Unreachable(errors.New("status 502"))),
		},
	})

	assert.False(t, out.Found)
	assert.Empty(t, out.Source)
	assert.Equal(t, 2, out.Attempted)
	assert.Equal(t, 2, out.Unreachable)
}

func TestRunAbsentFactNotCountedUnreachable(t *testing.T) {
	out := Run(context.Background(), Query{
		Fact:    "fee_revenue",
		Aliases: []string{"effective_revenue"},
		Probes:  []Probe{jsonProbe("rest", `{"something":"else"}`)},
	})

	assert.False(t, out.Found)
	assert.Equal(t, 0, out.Unreachable)
}

func TestRunNonNumericValueContinues(t *testing.T) {
	out := Run(context.Background(), Query{
		Fact:    "stake",
		Aliases: []string{"stake"},
		Probes: []Probe{
			jsonProbe("bad", `{"stake":{"nested":"garbage"}}`),
			jsonProbe("good", `{"stake":42}`),
		},
		Numeric: true,
	})

	require.True(t, out.Found)
	assert.Equal(t, "good", out.Source)
	assert.Equal(t, float64(42), out.Number)
}

func TestRunHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := Run(ctx, Query{
		Fact:    "height",
		Aliases: []string{"height"},
		Probes:  []Probe{jsonProbe("rest", `{"height":10}`)},
	})

	assert.False(t, out.Found)
	assert.Equal(t, 0, out.Attempted)
}
