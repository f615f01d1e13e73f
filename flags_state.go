package ldclient

import (
	"encoding/json"
)

// FeatureFlagsState is a snapshot of the state of all feature flags with regard to a
// specific user, generated by calling LDClient.AllFlagsState. Serializing this object to
// JSON, using json.Marshal or the JSONString method, produces the appropriate data
// structure for bootstrapping the LaunchDarkly JavaScript client.
type FeatureFlagsState struct {
	flagValues   map[string]interface{}
	flagMetadata map[string]flagMetadata
	valid        bool
}

type flagMetadata struct {
	Variation            *int              `json:"variation,omitempty"`
	Version              *int              `json:"version,omitempty"`
	Reason               EvaluationReason  `json:"-"`
	TrackEvents          bool              `json:"trackEvents,omitempty"`
	DebugEventsUntilDate *uint64           `json:"debugEventsUntilDate,omitempty"`
}

// FlagsStateOption is the type of optional parameters that can be passed to
// LDClient.AllFlagsState.
type FlagsStateOption interface {
	String() string
}

type clientSideOnlyFlagsStateOption struct{}

// ClientSideOnly - when passed to LDClient.AllFlagsState - specifies that only flags marked
// for use with the client-side SDK should be included in the state object. By default, all
// flags are included.
var ClientSideOnly FlagsStateOption = clientSideOnlyFlagsStateOption{}

func (o clientSideOnlyFlagsStateOption) String() string {
	return "ClientSideOnly"
}

type withReasonsFlagsStateOption struct{}

// WithReasons - when passed to LDClient.AllFlagsState - specifies that evaluation reasons
// should be included in the state object. By default, they are not.
func WithReasons() FlagsStateOption {
	return withReasonsFlagsStateOption{}
}

func (o withReasonsFlagsStateOption) String() string {
	return "WithReasons"
}

type withDetailsOnlyForTrackedFlagsOption struct{}

// WithDetailsOnlyForTrackedFlags - when passed to LDClient.AllFlagsState - specifies that
// any flag metadata that is normally only used for event generation - such as flag versions
// and evaluation reasons - should be omitted for any flag that does not have event tracking
// or debugging turned on. This reduces the size of the JSON data if you are passing the
// flag state to the front end.
func WithDetailsOnlyForTrackedFlags() FlagsStateOption {
	return withDetailsOnlyForTrackedFlagsOption{}
}

func (o withDetailsOnlyForTrackedFlagsOption) String() string {
	return "WithDetailsOnlyForTrackedFlags"
}

func hasFlagsStateOption(options []FlagsStateOption, value FlagsStateOption) bool {
	for _, o := range options {
		if o == value {
			return true
		}
	}
	return false
}

func newFeatureFlagsState() FeatureFlagsState {
	return FeatureFlagsState{
		flagValues:   make(map[string]interface{}),
		flagMetadata: make(map[string]flagMetadata),
		valid:        true,
	}
}

func newFeatureFlagsStateWithError() FeatureFlagsState {
	return FeatureFlagsState{
		flagValues:   make(map[string]interface{}),
		flagMetadata: make(map[string]flagMetadata),
		valid:        false,
	}
}

// Adds the result of a flag evaluation to the state object.
func (s FeatureFlagsState) addFlag(flag *FeatureFlag, value interface{}, variation *int,
	reason EvaluationReason, detailsOnlyIfTracked bool) {
	meta := flagMetadata{
		Variation:            variation,
		TrackEvents:          flag.TrackEvents,
		DebugEventsUntilDate: flag.DebugEventsUntilDate,
	}
	wantDetails := true
	if detailsOnlyIfTracked && !flag.TrackEvents {
		if flag.DebugEventsUntilDate == nil || *flag.DebugEventsUntilDate <= now() {
			wantDetails = false
		}
	}
	if wantDetails {
		version := flag.Version
		meta.Version = &version
		meta.Reason = reason
	}
	s.flagValues[flag.Key] = value
	s.flagMetadata[flag.Key] = meta
}

// IsValid returns true if this object contains a valid snapshot of feature flag state, or
// false if the state could not be computed (for instance, because the client was offline
// or there was no user).
func (s FeatureFlagsState) IsValid() bool {
	return s.valid
}

// GetFlagValue returns the value of an individual feature flag at the time the state was
// recorded. It returns nil if the flag returned the default value, or if there was no such
// flag.
func (s FeatureFlagsState) GetFlagValue(key string) interface{} {
	return s.flagValues[key]
}

// GetFlagReason returns the evaluation reason for an individual feature flag at the time
// the state was recorded. It returns nil if reasons were not recorded, or if there was no
// such flag.
func (s FeatureFlagsState) GetFlagReason(key string) EvaluationReason {
	if meta, ok := s.flagMetadata[key]; ok {
		return meta.Reason
	}
	return nil
}

// ToValuesMap returns a map of flag keys to flag values. If a flag would have evaluated to
// the default value, its value will be nil.
//
// Do not use this method if you are passing data to the front end to "bootstrap" the
// JavaScript client. Instead, convert the state object to JSON using json.Marshal.
func (s FeatureFlagsState) ToValuesMap() map[string]interface{} {
	return s.flagValues
}

// MarshalJSON implements a custom JSON serialization for FeatureFlagsState, to produce the
// correct data structure for "bootstrapping" the LaunchDarkly JavaScript client.
func (s FeatureFlagsState) MarshalJSON() ([]byte, error) {
	var mapOut = make(map[string]interface{}, len(s.flagValues)+2)
	for key, value := range s.flagValues {
		mapOut[key] = value
	}
	var metaOut = make(map[string]interface{}, len(s.flagMetadata))
	for key, meta := range s.flagMetadata {
		metaOut[key] = meta.toJSONMap()
	}
	mapOut["$flagsState"] = metaOut
	mapOut["$valid"] = s.valid
	return json.Marshal(mapOut)
}

func (m flagMetadata) toJSONMap() map[string]interface{} {
	out := make(map[string]interface{})
	if m.Variation != nil {
		out["variation"] = *m.Variation
	}
	if m.Version != nil {
		out["version"] = *m.Version
	}
	if m.Reason != nil {
		out["reason"] = EvaluationReasonContainer{Reason: m.Reason}
	}
	if m.TrackEvents {
		out["trackEvents"] = m.TrackEvents
	}
	if m.DebugEventsUntilDate != nil {
		out["debugEventsUntilDate"] = *m.DebugEventsUntilDate
	}
	return out
}

// UnmarshalJSON implements a custom JSON deserialization for FeatureFlagsState.
func (s *FeatureFlagsState) UnmarshalJSON(data []byte) error {
	var mapIn map[string]json.RawMessage
	if err := json.Unmarshal(data, &mapIn); err != nil {
		return err
	}
	*s = newFeatureFlagsState()
	if validRaw, ok := mapIn["$valid"]; ok {
		if err := json.Unmarshal(validRaw, &s.valid); err != nil {
			return err
		}
	}
	if metaRaw, ok := mapIn["$flagsState"]; ok {
		var metaMap map[string]json.RawMessage
		if err := json.Unmarshal(metaRaw, &metaMap); err != nil {
			return err
		}
		for key, raw := range metaMap {
			var meta flagMetadata
			if err := json.Unmarshal(raw, &meta); err != nil {
				return err
			}
			var withReason struct {
				Reason *EvaluationReasonContainer `json:"reason"`
			}
			if err := json.Unmarshal(raw, &withReason); err != nil {
				return err
			}
			if withReason.Reason != nil {
				meta.Reason = withReason.Reason.Reason
			}
			s.flagMetadata[key] = meta
		}
	}
	for key, raw := range mapIn {
		if key == "$valid" || key == "$flagsState" {
			continue
		}
		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return err
		}
		s.flagValues[key] = value
	}
	return nil
}
