package ldclient

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

type milliseconds int

type diagnosticId struct { //nolint (name cannot be changed for compatibility)
	DiagnosticID string `json:"diagnosticId"`
	SDKKeySuffix string `json:"sdkKeySuffix,omitempty"`
}

type diagnosticSDKData struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	WrapperName    string `json:"wrapperName,omitempty"`
	WrapperVersion string `json:"wrapperVersion,omitempty"`
}

type diagnosticPlatformData struct {
	Name      string `json:"name"`
	GoVersion string `json:"goVersion"`
	OSArch    string `json:"osArch"`
	OSName    string `json:"osName"`
}

type diagnosticConfigData struct {
	CustomBaseURI                     bool         `json:"customBaseURI"`
	CustomStreamURI                   bool         `json:"customStreamURI"`
	CustomEventsURI                   bool         `json:"customEventsURI"`
	DataStoreType                     string       `json:"dataStoreType,omitempty"`
	EventsCapacity                    int          `json:"eventsCapacity"`
	ConnectTimeoutMillis              milliseconds `json:"connectTimeoutMillis"`
	SocketTimeoutMillis               milliseconds `json:"socketTimeoutMillis"`
	EventsFlushIntervalMillis         milliseconds `json:"eventsFlushIntervalMillis"`
	PollingIntervalMillis             milliseconds `json:"pollingIntervalMillis"`
	StartWaitMillis                   milliseconds `json:"startWaitMillis"`
	ReconnectTimeMillis               milliseconds `json:"reconnectTimeMillis"`
	StreamingDisabled                 bool         `json:"streamingDisabled"`
	UsingRelayDaemon                  bool         `json:"usingRelayDaemon"`
	Offline                           bool         `json:"offline"`
	UsingProxy                        bool         `json:"usingProxy"`
	DiagnosticRecordingIntervalMillis milliseconds `json:"diagnosticRecordingIntervalMillis"`
}

type diagnosticBaseEvent struct {
	Kind         string       `json:"kind"`
	ID           diagnosticId `json:"id"`
	CreationDate uint64       `json:"creationDate"`
}

type diagnosticInitEvent struct {
	diagnosticBaseEvent
	SDK           diagnosticSDKData      `json:"sdk"`
	Configuration diagnosticConfigData   `json:"configuration"`
	Platform      diagnosticPlatformData `json:"platform"`
}

type diagnosticPeriodicEvent struct {
	diagnosticBaseEvent
	DataSinceDate     uint64                     `json:"dataSinceDate"`
	DroppedEvents     int                        `json:"droppedEvents"`
	DeduplicatedUsers int                        `json:"deduplicatedUsers"`
	EventsInLastBatch int                        `json:"eventsInLastBatch"`
	StreamInits       []diagnosticStreamInitInfo `json:"streamInits"`
}

type diagnosticStreamInitInfo struct {
	Timestamp      uint64       `json:"timestamp"`
	Failed         bool         `json:"failed"`
	DurationMillis milliseconds `json:"durationMillis"`
}

// diagnosticsManager accumulates connection statistics on behalf of the event pipeline.
// The stream processor reports each connection attempt to it.
type diagnosticsManager struct {
	id            diagnosticId
	config        Config
	startWaitTime time.Duration
	startTime     uint64
	dataSinceTime uint64
	streamInits   []diagnosticStreamInitInfo
	lock          sync.Mutex
}

// Optional interface that can be implemented by components whose types can't be easily
// determined by looking at the config object.
type diagnosticsComponentDescriptor interface {
	GetDiagnosticsComponentTypeName() string
}

func durationToMillis(d time.Duration) milliseconds {
	return milliseconds(d / time.Millisecond)
}

func newDiagnosticId(sdkKey string) diagnosticId { //nolint (name for consistency with the type)
	uid, _ := uuid.NewRandom()
	id := diagnosticId{
		DiagnosticID: uid.String(),
	}
	if len(sdkKey) > 6 {
		id.SDKKeySuffix = sdkKey[len(sdkKey)-6:]
	} else {
		id.SDKKeySuffix = sdkKey
	}
	return id
}

func newDiagnosticsManager(
	id diagnosticId,
	config Config,
	startWaitTime time.Duration,
	startTime time.Time,
) *diagnosticsManager {
	timestamp := toUnixMillis(startTime)
	return &diagnosticsManager{
		id:            id,
		config:        config,
		startWaitTime: startWaitTime,
		startTime:     timestamp,
		dataSinceTime: timestamp,
	}
}

// RecordStreamInit is called by the stream processor when a stream connection attempt has
// either succeeded or failed.
func (m *diagnosticsManager) RecordStreamInit(timestamp uint64, failed bool, durationMillis milliseconds) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.streamInits = append(m.streamInits, diagnosticStreamInitInfo{
		Timestamp:      timestamp,
		Failed:         failed,
		DurationMillis: durationMillis,
	})
}

// CreateInitEvent is called by the event pipeline to create the initial diagnostics event
// that includes the configuration.
func (m *diagnosticsManager) CreateInitEvent() diagnosticInitEvent {
	sdkData := diagnosticSDKData{
		Name:           "go-server-sdk",
		Version:        Version,
		WrapperName:    m.config.WrapperName,
		WrapperVersion: m.config.WrapperVersion,
	}
	// usingProxy: there are many ways to implement an HTTP proxy in Go, but the only one
	// we're capable of detecting is the HTTP_PROXY environment variable; programmatic
	// approaches involve a custom transport, which we can't distinguish from other kinds
	// of custom transports.
	configData := diagnosticConfigData{
		CustomBaseURI:                     m.config.BaseUri != DefaultConfig.BaseUri,
		CustomStreamURI:                   m.config.StreamUri != DefaultConfig.StreamUri,
		CustomEventsURI:                   m.config.EventsUri != DefaultConfig.EventsUri,
		DataStoreType:                     getComponentTypeName(m.config.FeatureStore),
		EventsCapacity:                    m.config.Capacity,
		ConnectTimeoutMillis:              durationToMillis(m.config.Timeout),
		SocketTimeoutMillis:               durationToMillis(m.config.Timeout),
		EventsFlushIntervalMillis:         durationToMillis(m.config.FlushInterval),
		PollingIntervalMillis:             durationToMillis(m.config.PollInterval),
		StartWaitMillis:                   durationToMillis(m.startWaitTime),
		ReconnectTimeMillis:               durationToMillis(m.config.StreamInitialReconnectDelay),
		StreamingDisabled:                 !m.config.Stream,
		UsingRelayDaemon:                  m.config.UseLdd,
		Offline:                           m.config.Offline,
		UsingProxy:                        os.Getenv("HTTP_PROXY") != "",
		DiagnosticRecordingIntervalMillis: durationToMillis(m.config.DiagnosticRecordingInterval),
	}
	// osArch: in Go, GOARCH is set at compile time, not at runtime (unlike GOOS).
	platformData := diagnosticPlatformData{
		Name:      "Go",
		GoVersion: runtime.Version(),
		OSName:    normalizeOSName(runtime.GOOS),
		OSArch:    runtime.GOARCH,
	}
	return diagnosticInitEvent{
		diagnosticBaseEvent: diagnosticBaseEvent{
			Kind:         "diagnostic-init",
			ID:           m.id,
			CreationDate: m.startTime,
		},
		SDK:           sdkData,
		Configuration: configData,
		Platform:      platformData,
	}
}

// CreateStatsEventAndReset is called by the event pipeline to create the periodic event
// containing usage statistics.
func (m *diagnosticsManager) CreateStatsEventAndReset(
	droppedEvents int,
	deduplicatedUsers int,
	eventsInLastBatch int,
) diagnosticPeriodicEvent {
	m.lock.Lock()
	defer m.lock.Unlock()
	timestamp := now()
	event := diagnosticPeriodicEvent{
		diagnosticBaseEvent: diagnosticBaseEvent{
			Kind:         "diagnostic",
			ID:           m.id,
			CreationDate: timestamp,
		},
		DataSinceDate:     m.dataSinceTime,
		EventsInLastBatch: eventsInLastBatch,
		DroppedEvents:     droppedEvents,
		DeduplicatedUsers: deduplicatedUsers,
		StreamInits:       m.streamInits,
	}
	m.streamInits = nil
	m.dataSinceTime = timestamp
	return event
}

func getComponentTypeName(component interface{}) string {
	if component == nil {
		return ""
	}
	if dcd, ok := component.(diagnosticsComponentDescriptor); ok {
		return dcd.GetDiagnosticsComponentTypeName()
	}
	return "custom"
}

func normalizeOSName(osName string) string {
	switch osName {
	case "darwin":
		return "MacOS"
	case "windows":
		return "Windows"
	case "linux":
		return "Linux"
	}
	return osName
}
