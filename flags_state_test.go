package ldclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsStateCanGetFlagValue(t *testing.T) {
	flag := FeatureFlag{Key: "key"}
	state := newFeatureFlagsState()
	state.addFlag(&flag, "value", intPtr(1), nil, false)

	assert.Equal(t, "value", state.GetFlagValue("key"))
}

func TestFlagsStateUnknownFlagReturnsNilValue(t *testing.T) {
	state := newFeatureFlagsState()

	assert.Nil(t, state.GetFlagValue("key"))
}

func TestFlagsStateCanGetFlagReason(t *testing.T) {
	flag := FeatureFlag{Key: "key"}
	state := newFeatureFlagsState()
	state.addFlag(&flag, "value", intPtr(1), evalReasonFallthroughInstance, false)

	assert.Equal(t, evalReasonFallthroughInstance, state.GetFlagReason("key"))
}

func TestFlagsStateUnknownFlagReturnsNilReason(t *testing.T) {
	state := newFeatureFlagsState()

	assert.Nil(t, state.GetFlagReason("key"))
}

func TestFlagsStateReturnsNilReasonIfReasonsWereNotRecorded(t *testing.T) {
	flag := FeatureFlag{Key: "key"}
	state := newFeatureFlagsState()
	state.addFlag(&flag, "value", intPtr(1), nil, false)

	assert.Nil(t, state.GetFlagReason("key"))
}

func TestFlagsStateCanConvertToValuesMap(t *testing.T) {
	flag1 := FeatureFlag{Key: "key1"}
	flag2 := FeatureFlag{Key: "key2"}
	state := newFeatureFlagsState()
	state.addFlag(&flag1, "value1", intPtr(0), nil, false)
	state.addFlag(&flag2, "value2", intPtr(1), nil, false)

	expected := map[string]interface{}{"key1": "value1", "key2": "value2"}
	assert.Equal(t, expected, state.ToValuesMap())
}

func TestFlagsStateCanConvertToJSON(t *testing.T) {
	date := uint64(1000000)
	flag1 := FeatureFlag{Key: "key1", Version: 100}
	flag2 := FeatureFlag{Key: "key2", Version: 200, TrackEvents: true, DebugEventsUntilDate: &date}
	state := newFeatureFlagsState()
	state.addFlag(&flag1, "value1", intPtr(0), nil, false)
	state.addFlag(&flag2, "value2", intPtr(1), nil, false)

	bytes, err := json.Marshal(state)
	require.NoError(t, err)

	expectedJSON := `{
		"key1": "value1",
		"key2": "value2",
		"$flagsState": {
			"key1": {
				"variation": 0, "version": 100
			},
			"key2": {
				"variation": 1, "version": 200, "trackEvents": true, "debugEventsUntilDate": 1000000
			}
		},
		"$valid": true
	}`
	assert.JSONEq(t, expectedJSON, string(bytes))
}

func TestFlagsStateJSONIncludesReasonsWhenRecorded(t *testing.T) {
	flag := FeatureFlag{Key: "key", Version: 100}
	state := newFeatureFlagsState()
	state.addFlag(&flag, "value", intPtr(1), evalReasonOffInstance, false)

	bytes, err := json.Marshal(state)
	require.NoError(t, err)

	expectedJSON := `{
		"key": "value",
		"$flagsState": {
			"key": {
				"variation": 1, "version": 100, "reason": {"kind": "OFF"}
			}
		},
		"$valid": true
	}`
	assert.JSONEq(t, expectedJSON, string(bytes))
}

func TestFlagsStateOmitsDetailsForUntrackedFlagsWhenRequested(t *testing.T) {
	futureDate := now() + 100000
	flag1 := FeatureFlag{Key: "key1", Version: 100}
	flag2 := FeatureFlag{Key: "key2", Version: 200, TrackEvents: true}
	flag3 := FeatureFlag{Key: "key3", Version: 300, DebugEventsUntilDate: &futureDate}
	state := newFeatureFlagsState()
	state.addFlag(&flag1, "value1", intPtr(0), evalReasonOffInstance, true)
	state.addFlag(&flag2, "value2", intPtr(1), evalReasonOffInstance, true)
	state.addFlag(&flag3, "value3", intPtr(1), evalReasonOffInstance, true)

	bytes, err := json.Marshal(state)
	require.NoError(t, err)

	expectedString := `{
		"key1": "value1",
		"key2": "value2",
		"key3": "value3",
		"$flagsState": {
			"key1": {
				"variation": 0
			},
			"key2": {
				"variation": 1, "version": 200, "reason": {"kind": "OFF"}, "trackEvents": true
			},
			"key3": {
				"variation": 1, "version": 300, "reason": {"kind": "OFF"}, "debugEventsUntilDate": ` +
		formatUint64(futureDate) + `
			}
		},
		"$valid": true
	}`
	assert.JSONEq(t, expectedString, string(bytes))
}

func formatUint64(n uint64) string {
	bytes, _ := json.Marshal(n)
	return string(bytes)
}

func TestFlagsStateJSONRoundTrip(t *testing.T) {
	flag := FeatureFlag{Key: "key", Version: 100, TrackEvents: true}
	state := newFeatureFlagsState()
	state.addFlag(&flag, "value", intPtr(1), evalReasonFallthroughInstance, false)

	bytes, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded FeatureFlagsState
	require.NoError(t, json.Unmarshal(bytes, &decoded))
	assert.Equal(t, state, decoded)
}

func TestInvalidFlagsStateSerializesWithValidFalse(t *testing.T) {
	state := newFeatureFlagsStateWithError()
	assert.False(t, state.IsValid())

	bytes, err := json.Marshal(state)
	require.NoError(t, err)
	assert.JSONEq(t, `{"$flagsState": {}, "$valid": false}`, string(bytes))
}
