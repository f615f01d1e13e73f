package ldclient

import (
	"crypto/sha1" //nolint:gas // just used for insecure hashing
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
)

const (
	longScale = float64(0xFFFFFFFFFFFFFFF)

	userKeyAttr = "key"
)

// FeatureFlag describes an individual feature flag.
type FeatureFlag struct {
	Key                  string             `json:"key" bson:"key"`
	Version              int                `json:"version" bson:"version"`
	On                   bool               `json:"on" bson:"on"`
	TrackEvents          bool               `json:"trackEvents" bson:"trackEvents"`
	Deleted              bool               `json:"deleted" bson:"deleted"`
	Prerequisites        []Prerequisite     `json:"prerequisites" bson:"prerequisites"`
	Salt                 string             `json:"salt" bson:"salt"`
	Sel                  string             `json:"sel" bson:"sel"`
	Targets              []Target           `json:"targets" bson:"targets"`
	Rules                []Rule             `json:"rules" bson:"rules"`
	Fallthrough          VariationOrRollout `json:"fallthrough" bson:"fallthrough"`
	OffVariation         *int               `json:"offVariation" bson:"offVariation"`
	Variations           []interface{}      `json:"variations" bson:"variations"`
	DebugEventsUntilDate *uint64            `json:"debugEventsUntilDate" bson:"debugEventsUntilDate"`
	ClientSide           bool               `json:"clientSide" bson:"-"`
}

// GetKey returns the string key for the feature flag.
func (f *FeatureFlag) GetKey() string {
	return f.Key
}

// GetVersion returns the version of a flag.
func (f *FeatureFlag) GetVersion() int {
	return f.Version
}

// IsDeleted returns whether a flag has been deleted.
func (f *FeatureFlag) IsDeleted() bool {
	return f.Deleted
}

// FeatureFlagVersionedDataKind implements VersionedDataKind and provides methods to build
// storage engine for flags.
type FeatureFlagVersionedDataKind struct{}

// GetNamespace returns the a unique namespace identifier for feature flag objects.
func (fk FeatureFlagVersionedDataKind) GetNamespace() string {
	return "features"
}

// String returns the namespace.
func (fk FeatureFlagVersionedDataKind) String() string {
	return fk.GetNamespace()
}

// GetDefaultItem returns a default feature flag representation.
func (fk FeatureFlagVersionedDataKind) GetDefaultItem() interface{} {
	return &FeatureFlag{}
}

// MakeDeletedItem returns representation of a deleted flag.
func (fk FeatureFlagVersionedDataKind) MakeDeletedItem(key string, version int) VersionedData {
	return &FeatureFlag{Key: key, Version: version, Deleted: true}
}

// GetStreamApiPath returns the path prefix that identifies flags in a streaming update.
func (fk FeatureFlagVersionedDataKind) GetStreamApiPath() string { //nolint (name cannot be changed for compatibility)
	return "/flags/"
}

// Features is a convenience variable to access an instance of FeatureFlagVersionedDataKind.
var Features FeatureFlagVersionedDataKind

// Prerequisite describes a requirement that another feature flag return a specific variation
// for this flag's non-off paths to apply.
type Prerequisite struct {
	Key       string `json:"key"`
	Variation int    `json:"variation"`
}

// Target describes a set of users who will receive a specific variation.
type Target struct {
	Values    []string `json:"values" bson:"values"`
	Variation int      `json:"variation" bson:"variation"`
}

// Rule expresses a set of AND-ed matching conditions for a user, along with either a fixed
// variation or a set of rollout percentages.
type Rule struct {
	ID                 string `json:"id,omitempty" bson:"id,omitempty"`
	VariationOrRollout `bson:",inline"`
	Clauses            []Clause `json:"clauses" bson:"clauses"`
}

// VariationOrRollout contains either the fixed variation or percent rollout to serve.
// Invariant: one of the variation or rollout must be non-nil.
type VariationOrRollout struct {
	Variation *int     `json:"variation,omitempty" bson:"variation,omitempty"`
	Rollout   *Rollout `json:"rollout,omitempty" bson:"rollout,omitempty"`
}

// Rollout describes how users will be bucketed into variations during a percentage rollout.
type Rollout struct {
	Variations []WeightedVariation `json:"variations" bson:"variations"`
	BucketBy   *string             `json:"bucketBy,omitempty" bson:"bucketBy,omitempty"`
}

// WeightedVariation describes a fraction of users who will receive a specific variation.
type WeightedVariation struct {
	Variation int `json:"variation" bson:"variation"`
	Weight    int `json:"weight" bson:"weight"` // Ranges from 0 to 100000
}

// Clause describes an individual clause within a targeting rule.
type Clause struct {
	Attribute string        `json:"attribute" bson:"attribute"`
	Op        Operator      `json:"op" bson:"op"`
	Values    []interface{} `json:"values" bson:"values"` // An array, interpreted as an OR of values
	Negate    bool          `json:"negate" bson:"negate"`
}

// EvaluateDetail attempts to evaluate the feature flag for the given user and returns its
// value, the reason for that value, and any events generated by prerequisite flags.
//
// Evaluation does not panic: any unexpected condition is reported as an error reason of
// kind EXCEPTION.
func (f FeatureFlag) EvaluateDetail(user User, store FeatureStore, sendReasonsInEvents bool) (
	detail EvaluationDetail, prereqEvents []FeatureRequestEvent) {
	defer func() {
		if r := recover(); r != nil {
			detail = EvaluationDetail{Reason: newEvalReasonError(EvalErrorException)}
		}
	}()
	if user.Key == nil || *user.Key == "" {
		return EvaluationDetail{Reason: newEvalReasonError(EvalErrorUserNotSpecified)}, nil
	}
	events := make([]FeatureRequestEvent, 0, 10) // a guess as to how many prerequisite flags we might process
	detail = f.evaluateInternal(user, store, sendReasonsInEvents, &events)
	return detail, events
}

// Returns an empty detail with the error reason filled in.
func errorDetail(kind EvalErrorKind) EvaluationDetail {
	return EvaluationDetail{Reason: newEvalReasonError(kind)}
}

func (f FeatureFlag) evaluateInternal(user User, store FeatureStore, sendReasonsInEvents bool,
	events *[]FeatureRequestEvent) EvaluationDetail {
	if !f.On {
		return f.getOffValue(evalReasonOffInstance)
	}

	// Note that all of the clause and rule iteration here is loop-based; only prerequisite
	// chains can re-enter this method.
	for _, prereq := range f.Prerequisites {
		prereqFeatureFlag, _ := f.getPrereqFlag(store, prereq.Key)
		if prereqFeatureFlag == nil {
			// The prerequisite flag is unknown to us; there is nothing to evaluate, so no
			// event is generated for it.
			return f.getOffValue(newEvalReasonPrerequisiteFailed(prereq.Key))
		}
		prereqOK := true

		prereqResult := prereqFeatureFlag.evaluateInternal(user, store, sendReasonsInEvents, events)
		if !prereqFeatureFlag.On || prereqResult.VariationIndex == nil ||
			*prereqResult.VariationIndex != prereq.Variation {
			// Note that if the prerequisite flag is off, we don't consider it a match no
			// matter what its off variation was.
			prereqOK = false
		}

		event := NewFeatureRequestEvent(prereq.Key, prereqFeatureFlag, user,
			prereqResult.VariationIndex, prereqResult.Value, nil, &f.Key)
		if sendReasonsInEvents {
			event.Reason.Reason = prereqResult.Reason
		}
		*events = append(*events, event)

		if !prereqOK {
			return f.getOffValue(newEvalReasonPrerequisiteFailed(prereq.Key))
		}
	}

	// Check to see if targets match
	for _, target := range f.Targets {
		for _, value := range target.Values {
			if value == *user.Key {
				return f.getVariation(target.Variation, evalReasonTargetMatchInstance)
			}
		}
	}

	// Now walk through the rules and see if any match
	for ruleIndex, rule := range f.Rules {
		if rule.matchesUser(store, user) {
			reason := newEvalReasonRuleMatch(ruleIndex, rule.ID)
			return f.getValueForVariationOrRollout(rule.VariationOrRollout, user, reason)
		}
	}

	return f.getValueForVariationOrRollout(f.Fallthrough, user, evalReasonFallthroughInstance)
}

func (f FeatureFlag) getPrereqFlag(store FeatureStore, key string) (*FeatureFlag, error) {
	data, err := store.Get(Features, key)
	if err != nil || data == nil {
		return nil, err
	}
	flag, _ := data.(*FeatureFlag)
	return flag, nil
}

func (f FeatureFlag) getVariation(index int, reason EvaluationReason) EvaluationDetail {
	if index < 0 || index >= len(f.Variations) {
		return errorDetail(EvalErrorMalformedFlag)
	}
	return EvaluationDetail{
		Reason:         reason,
		Value:          f.Variations[index],
		VariationIndex: &index,
	}
}

func (f FeatureFlag) getOffValue(reason EvaluationReason) EvaluationDetail {
	if f.OffVariation == nil {
		return EvaluationDetail{Reason: reason}
	}
	return f.getVariation(*f.OffVariation, reason)
}

func (f FeatureFlag) getValueForVariationOrRollout(vr VariationOrRollout, user User,
	reason EvaluationReason) EvaluationDetail {
	index := vr.variationIndexForUser(user, f.Key, f.Salt)
	if index == nil {
		return errorDetail(EvalErrorMalformedFlag)
	}
	return f.getVariation(*index, reason)
}

func (r Rule) matchesUser(store FeatureStore, user User) bool {
	if len(r.Clauses) == 0 {
		return false
	}
	for _, clause := range r.Clauses {
		if !clause.matchesUser(store, user) {
			return false
		}
	}
	return true
}

func (c Clause) matchesUser(store FeatureStore, user User) bool {
	// In the case of a segment match operator, we check if the user is in any of the segments,
	// and possibly negate
	if c.Op == OperatorSegmentMatch {
		for _, value := range c.Values {
			if vStr, ok := value.(string); ok {
				data, _ := store.Get(Segments, vStr)
				// If the segment is not found, or the store got an error, data will be nil
				// and we just fall through to the next value.
				if segment, segmentOk := data.(*Segment); segmentOk {
					if matches, _ := segment.ContainsUser(user); matches {
						return c.maybeNegate(true)
					}
				}
			}
		}
		return c.maybeNegate(false)
	}

	return c.matchesUserNoSegments(user)
}

func (c Clause) matchesUserNoSegments(user User) bool {
	uValue, pass := user.valueOf(c.Attribute)
	if pass {
		return c.maybeNegate(false)
	}
	matchFn := operatorFn(c.Op)

	val := reflect.ValueOf(uValue)

	// If the user value is an array or slice, see if the intersection is non-empty. If so,
	// this clause matches
	if val.Kind() == reflect.Array || val.Kind() == reflect.Slice {
		for i := 0; i < val.Len(); i++ {
			if matchAny(matchFn, val.Index(i).Interface(), c.Values) {
				return c.maybeNegate(true)
			}
		}
		return c.maybeNegate(false)
	}

	return c.maybeNegate(matchAny(matchFn, uValue, c.Values))
}

func (c Clause) maybeNegate(b bool) bool {
	if c.Negate {
		return !b
	}
	return b
}

func matchAny(fn opFn, value interface{}, values []interface{}) bool {
	for _, v := range values {
		if fn(value, v) {
			return true
		}
	}
	return false
}

// variationIndexForUser returns the variation a user lands on, or nil if the object has
// neither a variation nor a rollout. If the user's bucket value falls beyond the last
// rollout bucket (due to rounding or weights that do not add up to 100000), the last
// variation is used rather than failing the evaluation.
func (r VariationOrRollout) variationIndexForUser(user User, key, salt string) *int {
	if r.Variation != nil {
		return r.Variation
	}
	if r.Rollout == nil || len(r.Rollout.Variations) == 0 {
		return nil
	}

	bucketBy := userKeyAttr
	if r.Rollout.BucketBy != nil {
		bucketBy = *r.Rollout.BucketBy
	}

	var bucket = bucketUser(user, key, bucketBy, salt)
	var sum float64

	for _, wv := range r.Rollout.Variations {
		sum += float64(wv.Weight) / 100000.0
		if bucket < sum {
			v := wv.Variation
			return &v
		}
	}
	last := r.Rollout.Variations[len(r.Rollout.Variations)-1].Variation
	return &last
}

// bucketUser returns a deterministic value in [0, 1) for partitioning users into rollout
// buckets. The formula must not change: it is shared with the other LaunchDarkly SDKs.
func bucketUser(user User, key, attr, salt string) float64 {
	uValue, pass := user.valueOf(attr)

	idHash, ok := bucketableStringValue(uValue)
	if pass || !ok {
		return 0
	}

	if user.Secondary != nil {
		idHash = idHash + "." + *user.Secondary
	}

	h := sha1.New() //nolint:gas // just used for insecure hashing
	_, _ = io.WriteString(h, key+"."+salt+"."+idHash)
	hash := hex.EncodeToString(h.Sum(nil))[:15]

	intVal, _ := strconv.ParseInt(hash, 16, 64)

	return float64(intVal) / longScale
}

// Strings are used as-is; integer attributes are converted to decimal strings. A float64
// is accepted only if it is a whole number, since JSON decoding turns every number into a
// float64; a fractional value has no valid bucket representation.
func bucketableStringValue(uValue interface{}) (string, bool) {
	if s, ok := uValue.(string); ok {
		return s, true
	}
	switch i := uValue.(type) {
	case int:
		return strconv.Itoa(i), true
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", i), true
	case float64:
		if i == math.Trunc(i) {
			return strconv.Itoa(int(i)), true
		}
	}
	return "", false
}
