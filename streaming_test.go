package ldclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseHandler is a minimal server-sent events endpoint: it sends a fixed initial event to
// each new connection and then relays whatever is pushed into its channel.
type sseHandler struct {
	initialEvent  string
	events        chan string
	failures      int32 // connections to reject before streaming, with failureStatus
	failureStatus int
	connects      int32
}

func newSSEHandler(initialEvent string) *sseHandler {
	return &sseHandler{
		initialEvent: initialEvent,
		events:       make(chan string, 10),
	}
}

func (h *sseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&h.connects, 1)
	if atomic.AddInt32(&h.failures, -1) >= 0 {
		w.WriteHeader(h.failureStatus)
		return
	}
	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if h.initialEvent != "" {
		_, _ = io.WriteString(w, h.initialEvent)
		flusher.Flush()
	}
	for {
		select {
		case ev := <-h.events:
			_, _ = io.WriteString(w, ev)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func sseEvent(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

const initialPutEvent = `{"path": "/", "data": {"flags": {"my-flag": {"key": "my-flag", "version": 2}}, "segments": {"my-segment": {"key": "my-segment", "version": 5}}}}`

func makeTestStreamProcessor(streamURL, baseURL string, dm *diagnosticsManager) *streamProcessor {
	config := DefaultConfig
	config.StreamUri = streamURL
	config.BaseUri = baseURL
	config.Loggers = testLoggers()
	config.FeatureStore = NewInMemoryFeatureStore(nil)
	config.StreamInitialReconnectDelay = 10 * time.Millisecond
	req := newRequestor(testSdkKey, config, nil)
	return newStreamProcessor(testSdkKey, config, req, dm)
}

func runStreamingTest(t *testing.T, handler *sseHandler, test func(*streamProcessor, *sseHandler)) {
	server := httptest.NewServer(handler)
	defer server.Close()

	sp := makeTestStreamProcessor(server.URL, "", nil)
	defer sp.Close()

	closeWhenReady := make(chan struct{})
	sp.Start(closeWhenReady)
	waitForReady(t, closeWhenReady)
	require.True(t, sp.Initialized())

	test(sp, handler)
}

func waitForStoreItem(t *testing.T, store FeatureStore, kind VersionedDataKind, key string,
	predicate func(VersionedData) bool) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		item, err := store.Get(kind, key)
		require.NoError(t, err)
		if predicate(item) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.FailNow(t, "timed out waiting for expected store state", "key: %s", key)
}

func TestStreamProcessorInitializesStoreFromPutEvent(t *testing.T) {
	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	runStreamingTest(t, handler, func(sp *streamProcessor, h *sseHandler) {
		assert.True(t, sp.store.Initialized())

		flag, err := sp.store.Get(Features, "my-flag")
		require.NoError(t, err)
		require.NotNil(t, flag)
		assert.Equal(t, 2, flag.GetVersion())

		segment, err := sp.store.Get(Segments, "my-segment")
		require.NoError(t, err)
		require.NotNil(t, segment)
		assert.Equal(t, 5, segment.GetVersion())
	})
}

func TestStreamProcessorAppliesPatchToFlag(t *testing.T) {
	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	runStreamingTest(t, handler, func(sp *streamProcessor, h *sseHandler) {
		h.events <- sseEvent(patchEvent, `{"path": "/flags/my-flag", "data": {"key": "my-flag", "version": 3}}`)

		waitForStoreItem(t, sp.store, Features, "my-flag", func(item VersionedData) bool {
			return item != nil && item.GetVersion() == 3
		})
	})
}

func TestStreamProcessorAppliesPatchToSegment(t *testing.T) {
	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	runStreamingTest(t, handler, func(sp *streamProcessor, h *sseHandler) {
		h.events <- sseEvent(patchEvent, `{"path": "/segments/my-segment", "data": {"key": "my-segment", "version": 7}}`)

		waitForStoreItem(t, sp.store, Segments, "my-segment", func(item VersionedData) bool {
			return item != nil && item.GetVersion() == 7
		})
	})
}

func TestStreamProcessorAppliesDeleteEvent(t *testing.T) {
	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	runStreamingTest(t, handler, func(sp *streamProcessor, h *sseHandler) {
		h.events <- sseEvent(deleteEvent, `{"path": "/flags/my-flag", "version": 3}`)

		waitForStoreItem(t, sp.store, Features, "my-flag", func(item VersionedData) bool {
			return item == nil
		})
	})
}

func TestStreamProcessorIgnoresStaleDeleteEvent(t *testing.T) {
	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	runStreamingTest(t, handler, func(sp *streamProcessor, h *sseHandler) {
		h.events <- sseEvent(deleteEvent, `{"path": "/flags/my-flag", "version": 1}`)
		// follow with a patch so we know the delete was processed before we check
		h.events <- sseEvent(patchEvent, `{"path": "/flags/other-flag", "data": {"key": "other-flag", "version": 1}}`)

		waitForStoreItem(t, sp.store, Features, "other-flag", func(item VersionedData) bool {
			return item != nil
		})
		flag, err := sp.store.Get(Features, "my-flag")
		require.NoError(t, err)
		require.NotNil(t, flag)
		assert.Equal(t, 2, flag.GetVersion())
	})
}

func TestStreamProcessorDropsMalformedEventAndKeepsConnection(t *testing.T) {
	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	runStreamingTest(t, handler, func(sp *streamProcessor, h *sseHandler) {
		h.events <- sseEvent(patchEvent, `{"path": "/flags/my-flag", "data":`)
		h.events <- sseEvent(patchEvent, `{"path": "/flags/my-flag", "data": {"key": "my-flag", "version": 3}}`)

		// the malformed event was dropped; the connection stayed up and processed the next one
		waitForStoreItem(t, sp.store, Features, "my-flag", func(item VersionedData) bool {
			return item != nil && item.GetVersion() == 3
		})
		assert.Equal(t, int32(1), atomic.LoadInt32(&h.connects))
	})
}

func TestStreamProcessorIgnoresUnknownEventType(t *testing.T) {
	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	runStreamingTest(t, handler, func(sp *streamProcessor, h *sseHandler) {
		h.events <- sseEvent("weird-event", `{}`)
		h.events <- sseEvent(patchEvent, `{"path": "/flags/my-flag", "data": {"key": "my-flag", "version": 3}}`)

		waitForStoreItem(t, sp.store, Features, "my-flag", func(item VersionedData) bool {
			return item != nil && item.GetVersion() == 3
		})
	})
}

func TestStreamProcessorRequestsAllDataForIndirectPutEvent(t *testing.T) {
	pollingData := &pollHandler{
		body: `{"flags": {"poll-flag": {"key": "poll-flag", "version": 9}}, "segments": {}}`,
	}
	pollServer := httptest.NewServer(pollingData)
	defer pollServer.Close()

	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	streamServer := httptest.NewServer(handler)
	defer streamServer.Close()

	sp := makeTestStreamProcessor(streamServer.URL, pollServer.URL, nil)
	defer sp.Close()

	closeWhenReady := make(chan struct{})
	sp.Start(closeWhenReady)
	waitForReady(t, closeWhenReady)

	handler.events <- sseEvent(indirectPutEvent, "")

	waitForStoreItem(t, sp.store, Features, "poll-flag", func(item VersionedData) bool {
		return item != nil && item.GetVersion() == 9
	})
	assert.Equal(t, latestAllPath, pollingData.lastRequest().path)
}

func TestStreamProcessorRequestsItemForIndirectPatchEvent(t *testing.T) {
	pollingData := &pollHandler{
		body: `{"key": "my-flag", "version": 8}`,
	}
	pollServer := httptest.NewServer(pollingData)
	defer pollServer.Close()

	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	streamServer := httptest.NewServer(handler)
	defer streamServer.Close()

	sp := makeTestStreamProcessor(streamServer.URL, pollServer.URL, nil)
	defer sp.Close()

	closeWhenReady := make(chan struct{})
	sp.Start(closeWhenReady)
	waitForReady(t, closeWhenReady)

	handler.events <- sseEvent(indirectPatchEvent, "/flags/my-flag")

	waitForStoreItem(t, sp.store, Features, "my-flag", func(item VersionedData) bool {
		return item != nil && item.GetVersion() == 8
	})
	assert.Equal(t, "/flags/my-flag", pollingData.lastRequest().path)
}

func TestStreamProcessorRetriesAfterRecoverableHTTPError(t *testing.T) {
	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	handler.failures = 1
	handler.failureStatus = 503
	server := httptest.NewServer(handler)
	defer server.Close()

	sp := makeTestStreamProcessor(server.URL, "", nil)
	defer sp.Close()

	closeWhenReady := make(chan struct{})
	sp.Start(closeWhenReady)
	waitForReady(t, closeWhenReady)

	assert.True(t, sp.Initialized())
	assert.True(t, atomic.LoadInt32(&handler.connects) >= 2)
}

func TestStreamProcessorGivesUpPermanentlyOn401(t *testing.T) {
	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	handler.failures = 1000
	handler.failureStatus = 401
	server := httptest.NewServer(handler)
	defer server.Close()

	sp := makeTestStreamProcessor(server.URL, "", nil)
	defer sp.Close()

	closeWhenReady := make(chan struct{})
	sp.Start(closeWhenReady)
	waitForReady(t, closeWhenReady)

	assert.False(t, sp.Initialized())
	assert.Equal(t, int32(1), atomic.LoadInt32(&handler.connects))
}

func TestStreamProcessorRecordsStreamInitDiagnostics(t *testing.T) {
	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	server := httptest.NewServer(handler)
	defer server.Close()

	config := DefaultConfig
	config.StreamUri = server.URL
	config.Loggers = testLoggers()
	config.FeatureStore = NewInMemoryFeatureStore(nil)
	dm := newDiagnosticsManager(newDiagnosticId(testSdkKey), config, time.Second, time.Now())

	sp := makeTestStreamProcessor(server.URL, "", dm)
	defer sp.Close()

	closeWhenReady := make(chan struct{})
	sp.Start(closeWhenReady)
	waitForReady(t, closeWhenReady)

	event := dm.CreateStatsEventAndReset(0, 0, 0)
	require.Len(t, event.StreamInits, 1)
	assert.False(t, event.StreamInits[0].Failed)
}

func TestStreamProcessorFailedConnectionIsRecordedInDiagnostics(t *testing.T) {
	handler := newSSEHandler(sseEvent(putEvent, initialPutEvent))
	handler.failures = 1
	handler.failureStatus = 503
	server := httptest.NewServer(handler)
	defer server.Close()

	config := DefaultConfig
	config.StreamUri = server.URL
	config.Loggers = testLoggers()
	config.FeatureStore = NewInMemoryFeatureStore(nil)
	dm := newDiagnosticsManager(newDiagnosticId(testSdkKey), config, time.Second, time.Now())

	sp := makeTestStreamProcessor(server.URL, "", dm)
	defer sp.Close()

	closeWhenReady := make(chan struct{})
	sp.Start(closeWhenReady)
	waitForReady(t, closeWhenReady)

	event := dm.CreateStatsEventAndReset(0, 0, 0)
	require.True(t, len(event.StreamInits) >= 2)
	assert.True(t, event.StreamInits[0].Failed)
	assert.False(t, event.StreamInits[len(event.StreamInits)-1].Failed)
}
