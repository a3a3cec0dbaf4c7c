package forecast

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modelScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestProduceParsesValueAndLoss(t *testing.T) {
	r := NewRunner(modelScript(t, `echo '{"value": 2.5, "log10_loss": -1.5}'`), nil, 5*time.Second)

	res, err := r.Produce(context.Background(), 13)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), res.TopicID)
	assert.Equal(t, 2.5, res.Value)
	require.NotNil(t, res.Log10Loss)
	assert.Equal(t, -1.5, *res.Log10Loss)
}

func TestProduceToleratesAliasedAndNestedOutput(t *testing.T) {
	r := NewRunner(modelScript(t, `echo '{"result": {"prediction": "3.25"}}'`), nil, 5*time.Second)

	res, err := r.Produce(context.Background(), 13)
	require.NoError(t, err)
	assert.Equal(t, 3.25, res.Value)
	assert.Nil(t, res.Log10Loss)
}

func TestProducePassesTopicIDAsFinalArgument(t *testing.T) {
	r := NewRunner(modelScript(t, `echo "{\"value\": $1}"`), nil, 5*time.Second)

	res, err := r.Produce(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 42.0, res.Value)
}

func TestProduceFailures(t *testing.T) {
	_, err := NewRunner(modelScript(t, "exit 1"), nil, 5*time.Second).Produce(context.Background(), 13)
	assert.Error(t, err)

	_, err = NewRunner(modelScript(t, `echo "not json"`), nil, 5*time.Second).Produce(context.Background(), 13)
	assert.Error(t, err)

	_, err = NewRunner(modelScript(t, `echo '{"score": "n/a"}'`), nil, 5*time.Second).Produce(context.Background(), 13)
	assert.Error(t, err)
}
