package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestExtractFindsDeepAliasedKey(t *testing.T) {
	tree := gjson.Parse(`{
		"topic": {
			"info": {
				"EpochLength": "120",
				"worker_submission_window": 12
			}
		}
	}`)

	v, ok := Extract(tree, []string{"epoch_length"})
	require.True(t, ok)
	assert.Equal(t, "120", v.String())

	v, ok = Extract(tree, []string{"submission_window", "worker_submission_window"})
	require.True(t, ok)
	assert.Equal(t, int64(12), v.Int())
}

func TestExtractAliasPriorityOrder(t *testing.T) {
	tree := gjson.Parse(`{"total_stake": 1, "delegated_stake": 2}`)

	v, ok := Extract(tree, []string{"delegated_stake", "total_stake"})
	require.True(t, ok)
	assert.Equal(t, int64(2), v.Int())
}

func TestExtractSearchesArrays(t *testing.T) {
	tree := gjson.Parse(`{"topics": [{"id": 1}, {"id": 2, "effective_revenue": "7"}]}`)

	v, ok := Extract(tree, []string{"effective_revenue"})
	require.True(t, ok)
	assert.Equal(t, "7", v.String())
}

func TestExtractBareScalar(t *testing.T) {
	v, ok := Extract(gjson.Parse(`1234567`), []string{"height"})
	require.True(t, ok)
	assert.Equal(t, int64(1234567), v.Int())
}

func TestExtractMissing(t *testing.T) {
	_, ok := Extract(gjson.Parse(`{"a": {"b": 1}}`), []string{"c"})
	assert.False(t, ok)
}

func TestNormalizeAmount(t *testing.T) {
	cases := []struct {
		name string
		json string
		want float64
		ok   bool
	}{
		{"bare number", `12.5`, 12.5, true},
		{"numeric string", `"1000"`, 1000, true},
		{"micro denom string", `"12000000uallo"`, 12, true},
		{"amount denom object", `{"amount": "5000000", "denom": "uallo"}`, 5, true},
		{"micro amount inside denom object", `{"amount": "12000000uallo", "denom": "uallo"}`, 12, true},
		{"base denom object", `{"amount": "3", "denom": "allo"}`, 3, true},
		{"boolean", `true`, 1, true},
		{"garbage string", `"not-a-number"`, 0, false},
		{"object without amount", `{"denom": "uallo"}`, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NormalizeAmount(gjson.Parse(tc.json))
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.InDelta(t, tc.want, got, 1e-9)
			}
		})
	}
}

func TestNormalizeBool(t *testing.T) {
	b, ok := NormalizeBool(gjson.Parse(`true`))
	require.True(t, ok)
	assert.True(t, b)

	b, ok = NormalizeBool(gjson.Parse(`"false"`))
	require.True(t, ok)
	assert.False(t, b)

	b, ok = NormalizeBool(gjson.Parse(`1`))
	require.True(t, ok)
	assert.True(t, b)

	_, ok = NormalizeBool(gjson.Parse(`{"x":1}`))
	assert.False(t, ok)
}
