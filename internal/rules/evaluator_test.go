package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vigil/backend/internal/core"
)

// window builds a newest-first window from field maps; index 0 is newest.
func window(fields ...map[string]float64) []core.Sample {
	now := time.Now().UTC()
	samples := make([]core.Sample, len(fields))
	for i, f := range fields {
		samples[i] = core.Sample{
			MonitorID: "mon_test",
			Time:      now.Add(-time.Duration(i) * time.Minute),
			Fields:    f,
		}
	}
	return samples
}

func threshold(field, op string, value float64, agg string) core.Condition {
	return core.Condition{Type: "threshold", Field: field, Operator: op, Value: value, Aggregation: agg}
}

func TestEvaluate_LatestGreater(t *testing.T) {
	cond := threshold("price", ">", 50000, "latest")

	fired := Evaluate(cond, window(
		map[string]float64{"price": 51000},
		map[string]float64{"price": 49000},
	))
	assert.True(t, fired, "latest=51000 > 50000 must fire")
}

func TestEvaluate_AverageSuppressesSpike(t *testing.T) {
	cond := threshold("price", ">", 50000, "avg")

	fired := Evaluate(cond, window(
		map[string]float64{"price": 60000},
		map[string]float64{"price": 40000},
	))
	assert.False(t, fired, "mean 50000 is not > 50000")
}

func TestEvaluate_MaxMin(t *testing.T) {
	w := window(
		map[string]float64{"response_time": 120},
		map[string]float64{"response_time": 950},
		map[string]float64{"response_time": 80},
	)

	assert.True(t, Evaluate(threshold("response_time", ">", 900, "max"), w))
	assert.True(t, Evaluate(threshold("response_time", "<", 100, "min"), w))
	assert.False(t, Evaluate(threshold("response_time", ">", 900, "min"), w))
}

func TestEvaluate_MissingField(t *testing.T) {
	cond := threshold("price", ">", 0, "latest")

	fired := Evaluate(cond, window(
		map[string]float64{"response_time": 200},
		map[string]float64{"response_time": 300},
	))
	assert.False(t, fired, "no sample carries the field")
}

func TestEvaluate_SkipsSamplesMissingField(t *testing.T) {
	// Newest sample lacks the field; latest must fall through to the next
	// sample that has it.
	cond := threshold("price", ">", 100, "latest")

	fired := Evaluate(cond, window(
		map[string]float64{"response_time": 200},
		map[string]float64{"price": 150},
	))
	assert.True(t, fired)
}

func TestEvaluate_EmptyWindow(t *testing.T) {
	assert.False(t, Evaluate(threshold("price", ">", 0, "latest"), nil))
	assert.False(t, Evaluate(threshold("price", ">", 0, "latest"), []core.Sample{}))
}

func TestEvaluate_EqualityTolerance(t *testing.T) {
	cond := threshold("value", "==", 1.0, "latest")

	assert.True(t, Evaluate(cond, window(map[string]float64{"value": 1.0005})), "within epsilon")
	assert.False(t, Evaluate(cond, window(map[string]float64{"value": 1.002})), "outside epsilon")

	neq := threshold("value", "!=", 1.0, "latest")
	assert.False(t, Evaluate(neq, window(map[string]float64{"value": 1.0005})))
	assert.True(t, Evaluate(neq, window(map[string]float64{"value": 1.002})))
}

func TestEvaluate_DefaultAggregationIsLatest(t *testing.T) {
	cond := threshold("value", ">", 10, "")

	fired := Evaluate(cond, window(
		map[string]float64{"value": 20},
		map[string]float64{"value": 5},
	))
	assert.True(t, fired)
}

func TestEvaluate_Deterministic(t *testing.T) {
	cond := threshold("value", ">=", 42, "avg")
	w := window(
		map[string]float64{"value": 44},
		map[string]float64{"value": 40},
	)

	first := Evaluate(cond, w)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Evaluate(cond, w))
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(threshold("price", ">", 1, "latest")))
	assert.NoError(t, Validate(threshold("price", "<=", 1, "")))

	assert.Error(t, Validate(threshold("price", ">", 1, "median")), "unknown aggregation")
	assert.Error(t, Validate(threshold("price", "~", 1, "latest")), "unknown operator")
	assert.Error(t, Validate(core.Condition{Type: "anomaly", Field: "price", Operator: ">", Value: 1}), "unknown type")
	assert.Error(t, Validate(core.Condition{Type: "threshold", Operator: ">", Value: 1}), "missing field")
}
