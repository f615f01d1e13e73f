package ldclient

// An Event represents an analytics event generated by the client, which will be passed to
// the EventProcessor. The event delivery pipeline itself is outside the scope of this
// package; the default configuration uses a no-op processor unless a real one is supplied.
type Event interface {
	GetBase() BaseEvent
	GetKind() string
}

// BaseEvent provides properties common to all events.
type BaseEvent struct {
	CreationDate uint64 `json:"creationDate"`
	Key          string `json:"key"`
	Kind         string `json:"kind"`
	User         User   `json:"user"`
}

// FeatureRequestEvent is generated by evaluating a feature flag or one of a flag's
// prerequisites.
type FeatureRequestEvent struct {
	BaseEvent
	Value     interface{}               `json:"value"`
	Default   interface{}               `json:"default"`
	Variation *int                      `json:"variation,omitempty"`
	Version   *int                      `json:"version,omitempty"`
	PrereqOf  *string                   `json:"prereqOf,omitempty"`
	Reason    EvaluationReasonContainer `json:"reason,omitempty"`
	// TrackEvents and DebugEventsUntilDate are not sent to the event service; they are used
	// by an event processor to decide how to treat the event.
	TrackEvents          bool    `json:"-"`
	DebugEventsUntilDate *uint64 `json:"-"`
}

// CustomEvent is generated by calling the client's Track method.
type CustomEvent struct {
	BaseEvent
	Data interface{} `json:"data,omitempty"`
}

// IdentifyEvent is generated by calling the client's Identify method.
type IdentifyEvent struct {
	BaseEvent
}

// Event kinds
const (
	FeatureRequestEventKind = "feature"
	CustomEventKind         = "custom"
	IdentifyEventKind       = "identify"
)

// NewFeatureRequestEvent creates a feature request event. Normally, you don't need to call
// this; the event is created and queued automatically during feature flag evaluation.
func NewFeatureRequestEvent(key string, flag *FeatureFlag, user User, variation *int,
	value, defaultVal interface{}, prereqOf *string) FeatureRequestEvent {
	fre := FeatureRequestEvent{
		BaseEvent: BaseEvent{
			CreationDate: now(),
			Key:          key,
			Kind:         FeatureRequestEventKind,
			User:         user,
		},
		Value:     value,
		Default:   defaultVal,
		Variation: variation,
		PrereqOf:  prereqOf,
	}
	if flag != nil {
		fre.Version = &flag.Version
		fre.TrackEvents = flag.TrackEvents
		fre.DebugEventsUntilDate = flag.DebugEventsUntilDate
	}
	return fre
}

// GetBase returns the BaseEvent part of the event.
func (evt FeatureRequestEvent) GetBase() BaseEvent {
	return evt.BaseEvent
}

// GetKind returns the event kind.
func (evt FeatureRequestEvent) GetKind() string {
	return evt.Kind
}

// NewCustomEvent constructs a new custom event, but does not send it. Typically, Track
// should be used to both create the event and send it to LaunchDarkly.
func NewCustomEvent(key string, user User, data interface{}) CustomEvent {
	return CustomEvent{
		BaseEvent: BaseEvent{
			CreationDate: now(),
			Key:          key,
			Kind:         CustomEventKind,
			User:         user,
		},
		Data: data,
	}
}

// GetBase returns the BaseEvent part of the event.
func (evt CustomEvent) GetBase() BaseEvent {
	return evt.BaseEvent
}

// GetKind returns the event kind.
func (evt CustomEvent) GetKind() string {
	return evt.Kind
}

// NewIdentifyEvent constructs a new identify event, but does not send it. Typically,
// Identify should be used to both create the event and send it to LaunchDarkly.
func NewIdentifyEvent(user User) IdentifyEvent {
	key := ""
	if user.Key != nil {
		key = *user.Key
	}
	return IdentifyEvent{
		BaseEvent: BaseEvent{
			CreationDate: now(),
			Key:          key,
			Kind:         IdentifyEventKind,
			User:         user,
		},
	}
}

// GetBase returns the BaseEvent part of the event.
func (evt IdentifyEvent) GetBase() BaseEvent {
	return evt.BaseEvent
}

// GetKind returns the event kind.
func (evt IdentifyEvent) GetKind() string {
	return evt.Kind
}

// EventProcessor defines the interface for the analytics event pipeline. The SDK hands
// every generated event to an EventProcessor; batching and delivery are that component's
// concern.
type EventProcessor interface {
	// SendEvent records an event asynchronously.
	SendEvent(Event)
	// Flush specifies that any buffered events should be sent as soon as possible, rather
	// than waiting for the next flush interval. This method is asynchronous, so events
	// still may not be sent until a later time.
	Flush()
	// Close shuts down all event processor activity, after first ensuring that all events
	// have been delivered. Subsequent calls to SendEvent or Flush will be ignored.
	Close() error
}

// nullEventProcessor is used when events are disabled, or when no real pipeline has been
// configured.
type nullEventProcessor struct{}

func newNullEventProcessor() *nullEventProcessor {
	return &nullEventProcessor{}
}

func (n *nullEventProcessor) SendEvent(e Event) {}

func (n *nullEventProcessor) Flush() {}

func (n *nullEventProcessor) Close() error {
	return nil
}
