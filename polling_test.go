package ldclient

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTestPollingProcessor(serverURL string) *pollingProcessor {
	config := DefaultConfig
	config.BaseUri = serverURL
	config.Loggers = testLoggers()
	config.FeatureStore = NewInMemoryFeatureStore(nil)
	config.PollInterval = time.Minute
	req := newRequestor(testSdkKey, config, nil)
	return newPollingProcessor(config, req)
}

func waitForReady(t *testing.T, closeWhenReady chan struct{}) {
	select {
	case <-closeWhenReady:
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for closeWhenReady")
	}
}

func TestPollingProcessorPollsImmediatelyOnStart(t *testing.T) {
	handler := &pollHandler{
		body: `{"flags": {"my-flag": {"key": "my-flag", "version": 2}}, "segments": {}}`,
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	pp := makeTestPollingProcessor(server.URL)
	defer pp.Close()

	closeWhenReady := make(chan struct{})
	pp.Start(closeWhenReady)
	waitForReady(t, closeWhenReady)

	assert.True(t, pp.Initialized())
	assert.True(t, pp.store.Initialized())
	item, err := pp.store.Get(Features, "my-flag")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, 2, item.GetVersion())
}

func TestPollingProcessorGivesUpPermanentlyOn401(t *testing.T) {
	handler := &pollHandler{status: 401}
	server := httptest.NewServer(handler)
	defer server.Close()

	pp := makeTestPollingProcessor(server.URL)
	defer pp.Close()

	closeWhenReady := make(chan struct{})
	pp.Start(closeWhenReady)
	// the channel is still closed so that the client does not wait forever
	waitForReady(t, closeWhenReady)

	assert.False(t, pp.Initialized())
}

func TestPollingProcessorRetriesOnRecoverableError(t *testing.T) {
	handler := &pollHandler{status: 503}
	server := httptest.NewServer(handler)
	defer server.Close()

	config := DefaultConfig
	config.BaseUri = server.URL
	config.Loggers = testLoggers()
	config.FeatureStore = NewInMemoryFeatureStore(nil)
	config.PollInterval = 10 * time.Millisecond
	req := newRequestor(testSdkKey, config, nil)
	pp := newPollingProcessor(config, req)
	defer pp.Close()

	closeWhenReady := make(chan struct{})
	pp.Start(closeWhenReady)

	// still not ready, but keeps trying
	select {
	case <-closeWhenReady:
		require.FailNow(t, "should not have become ready")
	case <-time.After(200 * time.Millisecond):
	}
	assert.False(t, pp.Initialized())
	assert.True(t, handler.requestCount() > 1)
}

func TestPollingProcessorDoesNotReinitStoreForCachedResponse(t *testing.T) {
	handler := &pollHandler{
		body: `{"flags": {"my-flag": {"key": "my-flag", "version": 2}}, "segments": {}}`,
		etag: `"abc"`,
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	config := DefaultConfig
	config.BaseUri = server.URL
	config.Loggers = testLoggers()
	config.FeatureStore = NewInMemoryFeatureStore(nil)
	config.PollInterval = time.Minute
	req := newRequestor(testSdkKey, config, nil)
	pp := newPollingProcessor(config, req)
	defer pp.Close()

	closeWhenReady := make(chan struct{})
	pp.Start(closeWhenReady)
	waitForReady(t, closeWhenReady)

	// overwrite the flag; a cached poll result must not wipe this out
	require.NoError(t, pp.store.Upsert(Features, &FeatureFlag{Key: "my-flag", Version: 3}))
	require.NoError(t, pp.poll())

	item, err := pp.store.Get(Features, "my-flag")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, 3, item.GetVersion())
}

func TestPollingProcessorCloseIsIdempotent(t *testing.T) {
	handler := &pollHandler{body: `{"flags": {}, "segments": {}}`}
	server := httptest.NewServer(handler)
	defer server.Close()

	pp := makeTestPollingProcessor(server.URL)
	closeWhenReady := make(chan struct{})
	pp.Start(closeWhenReady)
	waitForReady(t, closeWhenReady)

	require.NoError(t, pp.Close())
	require.NoError(t, pp.Close())
}
