package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"dev", "prod", ""} {
		l, err := NewLogger(level)
		require.NoError(t, err, level)
		assert.NotNil(t, l)
	}

	l, err := NewLogger("warn")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.WarnLevel))

	_, err = NewLogger("chatty")
	assert.Error(t, err)
}
