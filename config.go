package ldclient

import (
	"net/http"
	"time"

	"gopkg.in/launchdarkly/go-server-sdk.v4/ldhttp"
	"gopkg.in/launchdarkly/go-server-sdk.v4/ldlog"
)

// Config exposes advanced configuration options for the LaunchDarkly client.
type Config struct {
	// The base URI of the main LaunchDarkly service. This should not normally be changed
	// except for testing.
	BaseUri string
	// The base URI of the LaunchDarkly streaming service. This should not normally be
	// changed except for testing.
	StreamUri string
	// The base URI of the LaunchDarkly service that accepts analytics events. This should
	// not normally be changed except for testing.
	EventsUri string
	// Sets the capacity of the events buffer. The client buffers up to this many events in
	// memory before flushing. If the capacity is exceeded before the buffer is flushed,
	// events will be discarded.
	Capacity int
	// The time between flushes of the event buffer. Decreasing the flush interval means
	// that the event buffer is less likely to reach capacity.
	FlushInterval time.Duration
	// The polling interval (when streaming is disabled). Values less than the default of
	// MinimumPollInterval will be set to the default.
	PollInterval time.Duration
	// An object that can be used to produce log output.
	//
	// Deprecated: Use Loggers instead, which allows configuration per log level.
	Logger Logger
	// Configures the SDK's logging behavior. You may call its SetBaseLogger method to
	// specify the output destination, and SetMinLevel to specify the minimum level of
	// messages to be logged.
	Loggers ldlog.Loggers
	// The connection timeout to use when making polling requests to LaunchDarkly.
	Timeout time.Duration
	// Sets the implementation of FeatureStore for holding feature flags and related data
	// received from LaunchDarkly.
	//
	// Deprecated: Use FeatureStoreFactory instead, which ensures that the store component
	// uses the same logging configuration as the rest of the SDK.
	FeatureStore FeatureStore
	// Sets the factory function for the implementation of FeatureStore, for holding feature
	// flags and related data received from LaunchDarkly.
	FeatureStoreFactory FeatureStoreFactory
	// Sets whether streaming mode should be enabled. By default, streaming is enabled. It
	// should only be disabled on the advice of LaunchDarkly support.
	Stream bool
	// The initial delay before reconnecting after a dropped streaming connection. The delay
	// grows with repeated failures and is reset once a connection has stayed up for a
	// while. This should not normally be changed except for testing.
	StreamInitialReconnectDelay time.Duration
	// Sets whether this client should use the LaunchDarkly relay in daemon mode. In this
	// mode, the client does not subscribe to the streaming or polling API, but reads data
	// only from the feature store.
	UseLdd bool
	// Sets whether to send analytics events back to LaunchDarkly. By default, the client
	// will send events. This differs from Offline in that it only affects sending events,
	// not streaming or polling for events from the server.
	SendEvents bool
	// Sets whether this client is offline. An offline client will not make any network
	// connections to LaunchDarkly, and will return default values for all feature flags.
	Offline bool
	// The User-Agent header to send with HTTP requests. This defaults to a value that
	// identifies the version of the Go SDK.
	UserAgent string
	// For use by wrapper libraries to set an identifying name for the wrapper being used.
	// This will be sent in request headers during requests to the LaunchDarkly servers to
	// allow recording metrics on the usage of these wrapper libraries.
	WrapperName string
	// For use by wrapper libraries to report the version of the library in use. If
	// WrapperName is not set, this field will be ignored.
	WrapperVersion string
	// If not nil, this function will be called to create an HTTP client instead of using
	// the default client. The SDK may modify the client properties after that point (for
	// instance, to add caching), but will not replace the underlying Transport, and will
	// not modify any timeout properties you set. See NewHTTPClientFactory and
	// ldntlm.NewNTLMProxyHTTPClientFactory.
	HTTPClientFactory HTTPClientFactory
	// An object that is responsible for receiving feature flag updates from LaunchDarkly.
	// If nil, a default implementation will be used depending on the rest of the
	// configuration (streaming, polling, etc.); a custom implementation can be substituted
	// for testing.
	//
	// Deprecated: Use UpdateProcessorFactory.
	UpdateProcessor UpdateProcessor
	// A factory object that creates an implementation of UpdateProcessor, which is
	// responsible for receiving feature flag updates.
	UpdateProcessorFactory UpdateProcessorFactory
	// An object that is responsible for recording or sending analytics events. If nil, a
	// no-op implementation is used unless SendEvents is set and a real implementation has
	// been provided.
	EventProcessor EventProcessor
	// Set to true to opt out of sending diagnostic events.
	DiagnosticOptOut bool
	// The interval at which periodic diagnostic events will be sent, if DiagnosticOptOut is
	// false. The default is every 15 minutes and the minimum is every minute.
	DiagnosticRecordingInterval time.Duration
}

// HTTPClientFactory is a function that creates a custom HTTP client.
type HTTPClientFactory func(Config) http.Client

// UpdateProcessorFactory is a function that creates an UpdateProcessor.
type UpdateProcessorFactory func(sdkKey string, config Config) (UpdateProcessor, error)

// MinimumPollInterval describes the minimum value for Config.PollInterval. If you specify a
// smaller interval, the minimum will be used instead.
const MinimumPollInterval = 30 * time.Second

const minimumDiagnosticRecordingInterval = 1 * time.Minute

// NewHTTPClientFactory creates an HTTPClientFactory based on the standard SDK configuration
// as well as any custom ldhttp.TransportOption properties you specify, such as
// ldhttp.CACertFileOption.
func NewHTTPClientFactory(options ...ldhttp.TransportOption) HTTPClientFactory {
	return func(config Config) http.Client {
		client := http.Client{
			Timeout: config.Timeout,
		}
		allOpts := []ldhttp.TransportOption{ldhttp.ConnectTimeoutOption(config.Timeout)}
		allOpts = append(allOpts, options...)
		if transport, _, err := ldhttp.NewHTTPTransport(allOpts...); err == nil {
			client.Transport = transport
		}
		return client
	}
}

func (c Config) newHTTPClient() *http.Client {
	factory := c.HTTPClientFactory
	if factory == nil {
		factory = NewHTTPClientFactory()
	}
	client := factory(c)
	return &client
}

// initLoggers makes the deprecated Logger property and the newer Loggers property behave
// consistently: if a base logger was specified the old way, channel it into Loggers.
func (c *Config) initLoggers() {
	if c.Logger != nil {
		c.Loggers.SetBaseLogger(c.Logger)
	}
}

// DefaultConfig provides the default configuration options for the LaunchDarkly client.
// The easiest way to create a custom configuration is to start with the default config and
// set the custom options from there. For example:
//
//	var config = DefaultConfig
//	config.Capacity = 2000
var DefaultConfig = Config{
	BaseUri:                     "https://app.launchdarkly.com",
	StreamUri:                   "https://stream.launchdarkly.com",
	EventsUri:                   "https://events.launchdarkly.com",
	Capacity:                    10000,
	FlushInterval:               5 * time.Second,
	PollInterval:                MinimumPollInterval,
	Timeout:                     3000 * time.Millisecond,
	Stream:                      true,
	StreamInitialReconnectDelay: 1 * time.Second,
	FeatureStore:                nil,
	UseLdd:                      false,
	SendEvents:                  true,
	Offline:                     false,
	UserAgent:                   "",
	DiagnosticRecordingInterval: 15 * time.Minute,
}
