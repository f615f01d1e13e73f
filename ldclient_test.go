package ldclient

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var evalTestUser = NewUser("userkey")

func makeClientWithFlags(flags ...*FeatureFlag) (*LDClient, *testEventProcessor) {
	client, ep := makeTestClient()
	for _, flag := range flags {
		_ = client.store.Upsert(Features, flag)
	}
	return client, ep
}

func singleValueFlag(key string, value interface{}) *FeatureFlag {
	return &FeatureFlag{
		Key:         key,
		Version:     1,
		On:          true,
		Fallthrough: VariationOrRollout{Variation: intPtr(0)},
		Variations:  []interface{}{value},
	}
}

func TestBoolVariation(t *testing.T) {
	client, _ := makeClientWithFlags(singleValueFlag("flagkey", true))
	defer client.Close()

	value, err := client.BoolVariation("flagkey", evalTestUser, false)
	assert.NoError(t, err)
	assert.True(t, value)
}

func TestBoolVariationDetail(t *testing.T) {
	client, _ := makeClientWithFlags(singleValueFlag("flagkey", true))
	defer client.Close()

	value, detail, err := client.BoolVariationDetail("flagkey", evalTestUser, false)
	assert.NoError(t, err)
	assert.True(t, value)
	assert.Equal(t, true, detail.Value)
	assert.Equal(t, intPtr(0), detail.VariationIndex)
	assert.Equal(t, evalReasonFallthroughInstance, detail.Reason)
}

func TestIntVariation(t *testing.T) {
	client, _ := makeClientWithFlags(singleValueFlag("flagkey", float64(100)))
	defer client.Close()

	value, err := client.IntVariation("flagkey", evalTestUser, 10000)
	assert.NoError(t, err)
	assert.Equal(t, 100, value)
}

func TestIntVariationTruncatesFloatValue(t *testing.T) {
	client, _ := makeClientWithFlags(singleValueFlag("flagkey", float64(100.99)))
	defer client.Close()

	value, err := client.IntVariation("flagkey", evalTestUser, 10000)
	assert.NoError(t, err)
	assert.Equal(t, 100, value)
}

func TestFloat64Variation(t *testing.T) {
	client, _ := makeClientWithFlags(singleValueFlag("flagkey", float64(100.01)))
	defer client.Close()

	value, err := client.Float64Variation("flagkey", evalTestUser, 0)
	assert.NoError(t, err)
	assert.Equal(t, 100.01, value)
}

func TestStringVariation(t *testing.T) {
	client, _ := makeClientWithFlags(singleValueFlag("flagkey", "b"))
	defer client.Close()

	value, err := client.StringVariation("flagkey", evalTestUser, "a")
	assert.NoError(t, err)
	assert.Equal(t, "b", value)
}

func TestJsonVariation(t *testing.T) {
	flagValue := map[string]interface{}{"field2": "value2"}
	client, _ := makeClientWithFlags(singleValueFlag("flagkey", flagValue))
	defer client.Close()

	defaultVal := json.RawMessage([]byte(`{"default": true}`))
	value, err := client.JsonVariation("flagkey", evalTestUser, defaultVal)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"field2": "value2"}`, string(value))
}

func TestVariationReturnsDefaultForWrongType(t *testing.T) {
	client, events := makeClientWithFlags(singleValueFlag("flagkey", "this is a string"))
	defer client.Close()

	value, detail, err := client.BoolVariationDetail("flagkey", evalTestUser, false)
	assert.NoError(t, err)
	assert.False(t, value)
	assert.Equal(t, false, detail.Value)
	assert.Equal(t, newEvalReasonError(EvalErrorWrongType), detail.Reason)
	assert.True(t, detail.IsDefaultValue())

	// an event is still generated for the evaluation itself
	assert.Len(t, events.events, 1)
}

func TestVariationReturnsDefaultForUnknownFlag(t *testing.T) {
	client, events := makeClientWithFlags()
	defer client.Close()

	value, detail, err := client.StringVariationDetail("no-such-flag", evalTestUser, "default")
	assert.Error(t, err)
	assert.Equal(t, "default", value)
	assert.Equal(t, newEvalReasonError(EvalErrorFlagNotFound), detail.Reason)

	require.Len(t, events.events, 1)
	e := events.events[0].(FeatureRequestEvent)
	assert.Equal(t, "no-such-flag", e.Key)
	assert.Nil(t, e.Version)
	assert.Nil(t, e.Variation)
	assert.Equal(t, "default", e.Value)
	assert.Equal(t, "default", e.Default)
}

func TestVariationReturnsDefaultForNilUserKey(t *testing.T) {
	client, _ := makeClientWithFlags(singleValueFlag("flagkey", "value"))
	defer client.Close()

	value, detail, err := client.StringVariationDetail("flagkey", User{}, "default")
	assert.Error(t, err)
	assert.Equal(t, "default", value)
	assert.Equal(t, newEvalReasonError(EvalErrorUserNotSpecified), detail.Reason)
}

func TestVariationSendsFeatureEvent(t *testing.T) {
	flag := singleValueFlag("flagkey", "value")
	flag.TrackEvents = true
	client, events := makeClientWithFlags(flag)
	defer client.Close()

	_, err := client.StringVariation("flagkey", evalTestUser, "default")
	assert.NoError(t, err)

	require.Len(t, events.events, 1)
	e := events.events[0].(FeatureRequestEvent)
	assert.Equal(t, FeatureRequestEventKind, e.Kind)
	assert.Equal(t, "flagkey", e.Key)
	assert.Equal(t, evalTestUser, e.User)
	assert.Equal(t, intPtr(1), e.Version)
	assert.Equal(t, intPtr(0), e.Variation)
	assert.Equal(t, "value", e.Value)
	assert.Equal(t, "default", e.Default)
	assert.True(t, e.TrackEvents)
	assert.Nil(t, e.Reason.Reason)
}

func TestVariationDetailSendsFeatureEventWithReason(t *testing.T) {
	client, events := makeClientWithFlags(singleValueFlag("flagkey", "value"))
	defer client.Close()

	_, _, err := client.StringVariationDetail("flagkey", evalTestUser, "default")
	assert.NoError(t, err)

	require.Len(t, events.events, 1)
	e := events.events[0].(FeatureRequestEvent)
	assert.Equal(t, evalReasonFallthroughInstance, e.Reason.Reason)
}

func TestVariationSendsPrerequisiteEvents(t *testing.T) {
	prereqFlag := &FeatureFlag{
		Key:         "prereq-flag",
		Version:     2,
		On:          true,
		Fallthrough: VariationOrRollout{Variation: intPtr(1)},
		Variations:  []interface{}{"nogo", "go"},
	}
	mainFlag := &FeatureFlag{
		Key:           "main-flag",
		Version:       1,
		On:            true,
		Prerequisites: []Prerequisite{{"prereq-flag", 1}},
		Fallthrough:   VariationOrRollout{Variation: intPtr(0)},
		Variations:    []interface{}{"result"},
	}
	client, events := makeClientWithFlags(prereqFlag, mainFlag)
	defer client.Close()

	value, err := client.StringVariation("main-flag", evalTestUser, "default")
	assert.NoError(t, err)
	assert.Equal(t, "result", value)

	require.Len(t, events.events, 2)
	e0 := events.events[0].(FeatureRequestEvent)
	assert.Equal(t, "prereq-flag", e0.Key)
	assert.Equal(t, strPtr("main-flag"), e0.PrereqOf)
	e1 := events.events[1].(FeatureRequestEvent)
	assert.Equal(t, "main-flag", e1.Key)
	assert.Nil(t, e1.PrereqOf)
}

func TestVariationBeforeInitializationWithEmptyStoreReturnsError(t *testing.T) {
	ep := &testEventProcessor{}
	config := Config{
		Loggers:         testLoggers(),
		FeatureStore:    NewInMemoryFeatureStore(nil),
		EventProcessor:  ep,
		UpdateProcessor: mockUpdateProcessor{IsInitialized: false},
		SendEvents:      true,
	}
	client, _ := MakeCustomClient(testSdkKey, config, 0)
	defer client.Close()

	value, detail, err := client.StringVariationDetail("flagkey", evalTestUser, "default")
	assert.Equal(t, ErrClientNotInitialized, err)
	assert.Equal(t, "default", value)
	assert.Equal(t, newEvalReasonError(EvalErrorClientNotReady), detail.Reason)
}

func TestVariationBeforeInitializationFallsBackToStoreData(t *testing.T) {
	ep := &testEventProcessor{}
	store := NewInMemoryFeatureStore(nil)
	require.NoError(t, store.Init(nil))
	require.NoError(t, store.Upsert(Features, singleValueFlag("flagkey", "stored-value")))
	config := Config{
		Loggers:         testLoggers(),
		FeatureStore:    store,
		EventProcessor:  ep,
		UpdateProcessor: mockUpdateProcessor{IsInitialized: false},
		SendEvents:      true,
	}
	client, _ := MakeCustomClient(testSdkKey, config, 0)
	defer client.Close()

	assert.False(t, client.Initialized())

	value, err := client.StringVariation("flagkey", evalTestUser, "default")
	assert.NoError(t, err)
	assert.Equal(t, "stored-value", value)
}

func TestOfflineClientReturnsDefaultValueWithoutError(t *testing.T) {
	config := Config{
		Loggers: testLoggers(),
		Offline: true,
	}
	client, err := MakeCustomClient(testSdkKey, config, 0)
	require.NoError(t, err)
	defer client.Close()

	assert.True(t, client.IsOffline())
	assert.True(t, client.Initialized())

	value, detail, err := client.StringVariationDetail("flagkey", evalTestUser, "default")
	assert.NoError(t, err)
	assert.Equal(t, "default", value)
	assert.Equal(t, newEvalReasonError(EvalErrorClientNotReady), detail.Reason)
}

func TestOfflineClientReturnsEmptyAllFlagsState(t *testing.T) {
	config := Config{
		Loggers: testLoggers(),
		Offline: true,
	}
	client, err := MakeCustomClient(testSdkKey, config, 0)
	require.NoError(t, err)
	defer client.Close()

	state := client.AllFlagsState(evalTestUser)
	assert.False(t, state.IsValid())
}

func TestAllFlagsStateReturnsState(t *testing.T) {
	flag1 := singleValueFlag("key1", "value1")
	flag2 := singleValueFlag("key2", "value2")
	flag2.Version = 2
	client, _ := makeClientWithFlags(flag1, flag2)
	defer client.Close()

	state := client.AllFlagsState(evalTestUser)
	assert.True(t, state.IsValid())
	assert.Equal(t, map[string]interface{}{"key1": "value1", "key2": "value2"}, state.ToValuesMap())
}

func TestAllFlagsStateCanFilterForOnlyClientSideFlags(t *testing.T) {
	serverFlag := singleValueFlag("server-side", "a")
	clientFlag := singleValueFlag("client-side", "b")
	clientFlag.ClientSide = true
	client, _ := makeClientWithFlags(serverFlag, clientFlag)
	defer client.Close()

	state := client.AllFlagsState(evalTestUser, ClientSideOnly)
	assert.Equal(t, map[string]interface{}{"client-side": "b"}, state.ToValuesMap())
}

func TestAllFlagsStateCanIncludeReasons(t *testing.T) {
	client, _ := makeClientWithFlags(singleValueFlag("key1", "value1"))
	defer client.Close()

	state := client.AllFlagsState(evalTestUser, WithReasons())
	assert.Equal(t, evalReasonFallthroughInstance, state.GetFlagReason("key1"))
}

func TestAllFlagsStateReturnsInvalidStateForNilUserKey(t *testing.T) {
	client, _ := makeClientWithFlags(singleValueFlag("key1", "value1"))
	defer client.Close()

	state := client.AllFlagsState(User{})
	assert.False(t, state.IsValid())
}

func TestAllFlagsDeprecatedMethodReturnsValuesMap(t *testing.T) {
	client, _ := makeClientWithFlags(singleValueFlag("key1", "value1"))
	defer client.Close()

	values := client.AllFlags(evalTestUser)
	assert.Equal(t, map[string]interface{}{"key1": "value1"}, values)
}

func TestIdentifySendsIdentifyEvent(t *testing.T) {
	client, events := makeTestClient()
	defer client.Close()

	require.NoError(t, client.Identify(evalTestUser))

	require.Len(t, events.events, 1)
	e := events.events[0].(IdentifyEvent)
	assert.Equal(t, IdentifyEventKind, e.Kind)
	assert.Equal(t, evalTestUser, e.User)
}

func TestIdentifyWithEmptyUserKeySendsNoEvent(t *testing.T) {
	client, events := makeTestClient()
	defer client.Close()

	require.NoError(t, client.Identify(User{}))
	require.NoError(t, client.Identify(NewUser("")))

	assert.Len(t, events.events, 0)
}

func TestTrackSendsCustomEvent(t *testing.T) {
	client, events := makeTestClient()
	defer client.Close()

	data := map[string]interface{}{"thing": "stuff"}
	require.NoError(t, client.Track("eventkey", evalTestUser, data))

	require.Len(t, events.events, 1)
	e := events.events[0].(CustomEvent)
	assert.Equal(t, CustomEventKind, e.Kind)
	assert.Equal(t, "eventkey", e.Key)
	assert.Equal(t, data, e.Data)
}

func TestTrackWithEmptyUserKeySendsNoEvent(t *testing.T) {
	client, events := makeTestClient()
	defer client.Close()

	require.NoError(t, client.Track("eventkey", User{}, nil))

	assert.Len(t, events.events, 0)
}

func TestSecureModeHash(t *testing.T) {
	expected := "aa747c502a898200f9e4fa21bac68136f886a0e27aec70ba06daf2e2a5cb5597"
	config := Config{
		Loggers: testLoggers(),
		Offline: true,
	}
	client, err := MakeCustomClient("secret", config, 0)
	require.NoError(t, err)
	defer client.Close()

	hash := client.SecureModeHash(NewUser("Message"))
	assert.Equal(t, expected, hash)

	assert.Equal(t, "", client.SecureModeHash(User{}))
}

func TestMakeCustomClientReturnsErrorWhenInitializationFails(t *testing.T) {
	config := Config{
		Loggers:         testLoggers(),
		FeatureStore:    NewInMemoryFeatureStore(nil),
		EventProcessor:  &testEventProcessor{},
		UpdateProcessor: mockUpdateProcessor{IsInitialized: false},
	}
	client, err := MakeCustomClient(testSdkKey, config, time.Second)
	assert.Equal(t, ErrInitializationFailed, err)
	require.NotNil(t, client)
	defer client.Close()
	assert.False(t, client.Initialized())
}

func TestMakeCustomClientReturnsErrorOnInitializationTimeout(t *testing.T) {
	config := Config{
		Loggers:      testLoggers(),
		FeatureStore: NewInMemoryFeatureStore(nil),
		UpdateProcessor: mockUpdateProcessor{
			IsInitialized: false,
			StartFn:       func(chan<- struct{}) {}, // never becomes ready
		},
	}
	client, err := MakeCustomClient(testSdkKey, config, 10*time.Millisecond)
	assert.Equal(t, ErrInitializationTimeout, err)
	require.NotNil(t, client)
	defer client.Close()
}

func TestClientWithoutTimeoutReturnsImmediately(t *testing.T) {
	config := Config{
		Loggers:      testLoggers(),
		FeatureStore: NewInMemoryFeatureStore(nil),
		UpdateProcessor: mockUpdateProcessor{
			IsInitialized: false,
			StartFn:       func(chan<- struct{}) {},
		},
	}
	client, err := MakeCustomClient(testSdkKey, config, 0)
	assert.NoError(t, err)
	require.NotNil(t, client)
	defer client.Close()
	assert.False(t, client.Initialized())
}
