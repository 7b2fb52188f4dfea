package faktory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob_Defaults(t *testing.T) {
	j, err := NewJob("adder", []any{2, 3})
	require.NoError(t, err)

	assert.Equal(t, "adder", j.Jobtype)
	assert.Equal(t, []any{2, 3}, j.Args)
	assert.Equal(t, "default", j.Queue)
	assert.Equal(t, defaultReserveFor, j.ReserveFor)
	assert.Equal(t, defaultRetry, j.Retry)
	assert.Equal(t, defaultBacktrace, j.Backtrace)
	assert.Len(t, j.Jid, 32)
}

func TestNewJob_EmptyJobtype(t *testing.T) {
	_, err := NewJob("", nil)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestNewJob_Options(t *testing.T) {
	j, err := NewJob("adder", []any{1},
		WithJid("abcdefabcdefabcdefabcdefabcdefab"),
		WithQueue("critical"),
		WithReserveFor(120),
		WithRetry(3),
		WithBacktrace(10),
		WithAt("2030-01-01T00:00:00Z"),
		WithCustom(map[string]any{"trace_id": "xyz"}),
	)
	require.NoError(t, err)
	assert.Equal(t, "abcdefabcdefabcdefabcdefabcdefab", j.Jid)
	assert.Equal(t, "critical", j.Queue)
	assert.Equal(t, 120, j.ReserveFor)
	assert.Equal(t, 3, j.Retry)
	assert.Equal(t, 10, j.Backtrace)
	assert.Equal(t, "2030-01-01T00:00:00Z", j.At)
	assert.Equal(t, "xyz", j.Custom["trace_id"])
}

func TestNewJob_BoundsRejected(t *testing.T) {
	_, err := NewJob("adder", nil, WithReserveFor(10))
	assert.Error(t, err)

	_, err = NewJob("adder", nil, WithRetry(-2))
	assert.Error(t, err)

	_, err = NewJob("adder", nil, WithBacktrace(-1))
	assert.Error(t, err)

	_, err = NewJob("adder", nil, WithAt("not-a-timestamp"))
	assert.Error(t, err)
}

func TestNewTargetJob(t *testing.T) {
	tj, err := NewTargetJob("adder", []any{1, 2}, "")
	require.NoError(t, err)
	assert.Equal(t, "default", tj.Queue)

	_, err = NewTargetJob("", nil, "")
	assert.Error(t, err)
}
