package ratelimits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildScriptArgsWithResolvedTime(t *testing.T) {
	a := mustBucket(t, "A", 2, 10)
	b := mustBucket(t, "B", 1, 100)
	reqs := []ChargeRequest{
		NewChargeRequest(a, 3).WithLimit(-5),
		NewChargeRequest(b, 7).WithChargeAdjustment(),
	}

	args := buildScriptArgs(1000.5, true, reqs)
	require.Len(t, args, 2+5*2)

	assert.Equal(t, formatFloat(1000.5), args[0])
	assert.Equal(t, "2", args[1])

	// bucket A's fields
	assert.Equal(t, formatFloat(2), args[2])
	assert.Equal(t, formatFloat(10), args[3])
	assert.Equal(t, formatFloat(3), args[4])
	assert.Equal(t, formatFloat(-5), args[5])
	assert.Equal(t, "0", args[6])

	// bucket B's fields
	assert.Equal(t, formatFloat(1), args[7])
	assert.Equal(t, formatFloat(100), args[8])
	assert.Equal(t, formatFloat(7), args[9])
	assert.Equal(t, formatFloat(0), args[10])
	assert.Equal(t, "1", args[11])
}

func TestBuildScriptArgsUnresolvedTimeSendsSentinel(t *testing.T) {
	a := mustBucket(t, "A", 2, 10)
	args := buildScriptArgs(0, false, []ChargeRequest{NewChargeRequest(a, 1)})
	assert.Equal(t, "-1", args[0])
}

func TestScriptKeysPreservesOrder(t *testing.T) {
	a := mustBucket(t, "A", 2, 10)
	b := mustBucket(t, "B", 1, 100)
	keys := scriptKeys([]ChargeRequest{NewChargeRequest(a, 1), NewChargeRequest(b, 1)})
	assert.Equal(t, []string{"A", "B"}, keys)
}

func TestParseScriptResultSuccess(t *testing.T) {
	a := mustBucket(t, "A", 2, 10)
	b := mustBucket(t, "B", 1, 100)
	reqs := []ChargeRequest{NewChargeRequest(a, 1), NewChargeRequest(b, 1)}

	raw := []interface{}{int64(1), "9.5", "98.25"}
	success, levels, err := parseScriptResult(reqs, raw)
	require.NoError(t, err)
	assert.True(t, success)
	assert.InDelta(t, 9.5, levels["A"], tolerance)
	assert.InDelta(t, 98.25, levels["B"], tolerance)
}

func TestParseScriptResultDenied(t *testing.T) {
	a := mustBucket(t, "A", 2, 10)
	reqs := []ChargeRequest{NewChargeRequest(a, 1)}

	raw := []interface{}{int64(0), "10"}
	success, levels, err := parseScriptResult(reqs, raw)
	require.NoError(t, err)
	assert.False(t, success)
	assert.InDelta(t, 10, levels["A"], tolerance)
}

func TestParseScriptResultRejectsWrongArity(t *testing.T) {
	a := mustBucket(t, "A", 2, 10)
	reqs := []ChargeRequest{NewChargeRequest(a, 1)}

	_, _, err := parseScriptResult(reqs, []interface{}{int64(1)})
	assert.Error(t, err)
}

func TestFormatFloatRoundTripsThroughParseFloat64(t *testing.T) {
	for _, f := range []float64{0, -1, 3.5, 1e9, -1e-9, 12345.6789} {
		got, err := toFloat64(formatFloat(f))
		require.NoError(t, err)
		assert.InDelta(t, f, got, tolerance)
	}
}
