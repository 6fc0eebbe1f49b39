package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := New(ErrorTypeConfig, "endpoint url is required")
		assert.Equal(t, "config: endpoint url is required", err.Error())
	})

	t.Run("with cause", func(t *testing.T) {
		cause := fmt.Errorf("dial tcp: connection refused")
		err := Wrap(cause, ErrorTypeConnection, "failed to open session")
		assert.Equal(t, "connection: failed to open session: dial tcp: connection refused", err.Error())
		assert.ErrorIs(t, err, cause)
	})

	t.Run("wrap nil returns nil", func(t *testing.T) {
		require.Nil(t, Wrap(nil, ErrorTypeConnection, "ignored"))
	})
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeCapability, "connector does not support browsing")
	assert.True(t, IsType(err, ErrorTypeCapability))
	assert.False(t, IsType(err, ErrorTypeConnection))
	assert.False(t, IsType(fmt.Errorf("plain"), ErrorTypeCapability))

	wrapped := Wrap(err, ErrorTypeInternal, "outer")
	assert.True(t, IsType(wrapped, ErrorTypeInternal))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "session lost")))
	assert.True(t, IsRetryable(New(ErrorTypeTimeout, "deadline exceeded")))
	assert.False(t, IsRetryable(New(ErrorTypeConfig, "unknown protocol")))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeSubscription, "create monitored item failed").
		WithDetail("node_id", "ns=2;s=Pump.Speed").
		WithDetail("status", "BadNodeIdUnknown")

	require.NotNil(t, err.Details)
	assert.Equal(t, "ns=2;s=Pump.Speed", err.Details["node_id"])
}
