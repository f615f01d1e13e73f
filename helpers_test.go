package ldclient

import (
	"time"

	"gopkg.in/launchdarkly/go-server-sdk.v4/ldlog"
)

const testSdkKey = "test-sdk-key"

func intPtr(n int) *int {
	return &n
}

func strPtr(s string) *string {
	return &s
}

// testLoggers returns a Loggers instance that produces no output, so tests don't spam
// the console.
func testLoggers() ldlog.Loggers {
	var loggers ldlog.Loggers
	loggers.SetMinLevel(ldlog.None)
	return loggers
}

// testEventProcessor captures events in memory instead of sending them anywhere.
type testEventProcessor struct {
	events []Event
}

func (t *testEventProcessor) SendEvent(e Event) {
	t.events = append(t.events, e)
}

func (t *testEventProcessor) Flush() {}

func (t *testEventProcessor) Close() error {
	return nil
}

type mockUpdateProcessor struct {
	IsInitialized bool
	CloseFn       func() error
	StartFn       func(chan<- struct{})
}

func (u mockUpdateProcessor) Initialized() bool {
	return u.IsInitialized
}

func (u mockUpdateProcessor) Close() error {
	if u.CloseFn == nil {
		return nil
	}
	return u.CloseFn()
}

func (u mockUpdateProcessor) Start(closeWhenReady chan<- struct{}) {
	if u.StartFn == nil {
		close(closeWhenReady)
		return
	}
	u.StartFn(closeWhenReady)
}

// makeTestClient returns a client backed by an in-memory store and a mock update
// processor that reports itself as initialized.
func makeTestClient() (*LDClient, *testEventProcessor) {
	ep := &testEventProcessor{}
	config := Config{
		Loggers:         testLoggers(),
		BaseUri:         "https://localhost:8080",
		StreamUri:       "https://localhost:8080",
		EventsUri:       "https://localhost:8080",
		FeatureStore:    NewInMemoryFeatureStore(nil),
		EventProcessor:  ep,
		UpdateProcessor: mockUpdateProcessor{IsInitialized: true},
		SendEvents:      true,
	}
	client, _ := MakeCustomClient(testSdkKey, config, 0*time.Second)
	return client, ep
}

// The simplest on flag: a boolean flag with no targeting that falls through to true.
func makeOnFlag(key string) *FeatureFlag {
	return &FeatureFlag{
		Key:         key,
		Version:     1,
		On:          true,
		Fallthrough: VariationOrRollout{Variation: intPtr(1)},
		Variations:  []interface{}{false, true},
		Salt:        "salty",
	}
}
