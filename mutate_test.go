package faktory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutateOperation_FilterOmittedWhenNil(t *testing.T) {
	op := NewMutateOperation(MutateKill, TargetRetries, nil)
	data, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"kill","target":"retries"}`, string(data))
}

func TestMutateOperation_FilterIncludedWhenSet(t *testing.T) {
	op := NewMutateOperation(MutateRequeue, TargetDead, &JobFilter{Jobtype: "adder"})
	data, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"requeue","target":"dead","filter":{"jobtype":"adder"}}`, string(data))
}

func TestMutateCmd_RoundTrip(t *testing.T) {
	for _, cmd := range []MutateCmd{MutateClear, MutateKill, MutateDiscard, MutateRequeue} {
		data, err := json.Marshal(cmd)
		require.NoError(t, err)

		var got MutateCmd
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, cmd, got)
	}
}

func TestMutateTarget_UnmarshalRejectsUnknown(t *testing.T) {
	var target MutateTarget
	err := json.Unmarshal([]byte(`"bogus"`), &target)
	assert.Error(t, err)
}
