package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "0.0000015", FormatValue(1.5e-6))
	assert.Equal(t, "2500", FormatValue(2500.0))
	assert.Equal(t, "2.5", FormatValue("2.5"))
	assert.Equal(t, "0.0000015", FormatValue("1.5e-6"))
	assert.Equal(t, "42", FormatValue(int64(42)))
	assert.Equal(t, "13", FormatValue(uint64(13)))
}
