package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOp_AppendAndCloseAlwaysSucceed(t *testing.T) {
	n := NewNoOp()
	require.NoError(t, n.Append(NewRecord(KindActionAdmitted, "a1", nil)))
	require.NoError(t, n.Close())
}

func TestNoOp_ReplayNeverInvokesFn(t *testing.T) {
	n := NewNoOp()
	called := false
	require.NoError(t, n.Replay(func(Record) error {
		called = true
		return nil
	}))
	assert.False(t, called)
}
