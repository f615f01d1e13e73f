package ldclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const bucketTolerance = 0.0000001

func TestVariationIndexForUser(t *testing.T) {
	wv1 := WeightedVariation{Variation: 0, Weight: 60000}
	wv2 := WeightedVariation{Variation: 1, Weight: 40000}
	rollout := Rollout{Variations: []WeightedVariation{wv1, wv2}}
	rule := VariationOrRollout{Rollout: &rollout}

	variationIndex := rule.variationIndexForUser(NewUser("userKeyA"), "hashKey", "saltyA")
	assert.NotNil(t, variationIndex)
	assert.Equal(t, 0, *variationIndex)

	variationIndex = rule.variationIndexForUser(NewUser("userKeyB"), "hashKey", "saltyA")
	assert.NotNil(t, variationIndex)
	assert.Equal(t, 1, *variationIndex)

	variationIndex = rule.variationIndexForUser(NewUser("userKeyC"), "hashKey", "saltyA")
	assert.NotNil(t, variationIndex)
	assert.Equal(t, 0, *variationIndex)
}

func TestVariationIndexForUserWithFixedVariation(t *testing.T) {
	rule := VariationOrRollout{Variation: intPtr(2)}
	variationIndex := rule.variationIndexForUser(NewUser("userKeyA"), "hashKey", "saltyA")
	assert.NotNil(t, variationIndex)
	assert.Equal(t, 2, *variationIndex)
}

func TestVariationIndexForUserWithNeitherVariationNorRollout(t *testing.T) {
	rule := VariationOrRollout{}
	variationIndex := rule.variationIndexForUser(NewUser("userKeyA"), "hashKey", "saltyA")
	assert.Nil(t, variationIndex)
}

func TestVariationIndexForUserWithEmptyRolloutIsNil(t *testing.T) {
	rule := VariationOrRollout{Rollout: &Rollout{Variations: []WeightedVariation{}}}
	variationIndex := rule.variationIndexForUser(NewUser("userKeyA"), "hashKey", "saltyA")
	assert.Nil(t, variationIndex)
}

// If the weights don't add up to 100000 and the user's bucket is beyond the last bucket,
// they get the last variation instead of an error.
func TestVariationIndexForUserBeyondLastBucketUsesLastVariation(t *testing.T) {
	wv1 := WeightedVariation{Variation: 0, Weight: 1}
	wv2 := WeightedVariation{Variation: 1, Weight: 1}
	rollout := Rollout{Variations: []WeightedVariation{wv1, wv2}}
	rule := VariationOrRollout{Rollout: &rollout}

	variationIndex := rule.variationIndexForUser(NewUser("userKeyA"), "hashKey", "saltyA")
	assert.NotNil(t, variationIndex)
	assert.Equal(t, 1, *variationIndex)
}

// userKeyA's bucket value is 0.42157587, so with these weights the accumulated sum after
// the first bucket is exactly 0.42157 and the strict comparison places the user in the
// one-weight middle bucket rather than the first one.
func TestVariationIndexForUserAtExactBucketBoundary(t *testing.T) {
	wv1 := WeightedVariation{Variation: 0, Weight: 42157}
	wv2 := WeightedVariation{Variation: 1, Weight: 1}
	wv3 := WeightedVariation{Variation: 2, Weight: 57842}
	rollout := Rollout{Variations: []WeightedVariation{wv1, wv2, wv3}}
	rule := VariationOrRollout{Rollout: &rollout}

	variationIndex := rule.variationIndexForUser(NewUser("userKeyA"), "hashKey", "saltyA")
	assert.NotNil(t, variationIndex)
	assert.Equal(t, 1, *variationIndex)
}

func TestBucketUserByKey(t *testing.T) {
	user := NewUser("userKeyA")
	bucket := bucketUser(user, "hashKey", "key", "saltyA")
	assert.InEpsilon(t, 0.42157587, bucket, bucketTolerance)

	user = NewUser("userKeyB")
	bucket = bucketUser(user, "hashKey", "key", "saltyA")
	assert.InEpsilon(t, 0.6708485, bucket, bucketTolerance)

	user = NewUser("userKeyC")
	bucket = bucketUser(user, "hashKey", "key", "saltyA")
	assert.InEpsilon(t, 0.10343106, bucket, bucketTolerance)
}

func TestBucketUserWithSecondaryKey(t *testing.T) {
	user1 := NewUser("userKey")
	user2 := User{Key: strPtr("userKey"), Secondary: strPtr("mySecondaryKey")}
	bucket1 := bucketUser(user1, "hashKey", "key", "saltyA")
	bucket2 := bucketUser(user2, "hashKey", "key", "saltyA")
	assert.NotEqual(t, bucket1, bucket2)
}

func TestBucketUserByIntAttr(t *testing.T) {
	custom := map[string]interface{}{"intAttr": 33333}
	user := User{Key: strPtr("userKeyD"), Custom: &custom}
	bucket := bucketUser(user, "hashKey", "intAttr", "saltyA")
	assert.InEpsilon(t, 0.54771423, bucket, bucketTolerance)

	// an integer attribute is treated the same as its string representation
	custom = map[string]interface{}{"stringAttr": "33333"}
	user = User{Key: strPtr("userKeyD"), Custom: &custom}
	bucket2 := bucketUser(user, "hashKey", "stringAttr", "saltyA")
	assert.InEpsilon(t, bucket, bucket2, bucketTolerance)

	// a whole-number float is treated as the equivalent integer, since JSON decoding
	// produces float64 for all numbers
	custom = map[string]interface{}{"floatAttr": float64(33333)}
	user = User{Key: strPtr("userKeyD"), Custom: &custom}
	bucket3 := bucketUser(user, "hashKey", "floatAttr", "saltyA")
	assert.InEpsilon(t, bucket, bucket3, bucketTolerance)
}

func TestBucketUserByFloatAttrNotAllowed(t *testing.T) {
	custom := map[string]interface{}{"floatAttr": float64(999.999)}
	user := User{Key: strPtr("userKeyE"), Custom: &custom}
	bucket := bucketUser(user, "hashKey", "floatAttr", "saltyA")
	assert.InDelta(t, 0.0, bucket, 0.0000000)
}

func TestBucketUserByUnknownAttrIsZero(t *testing.T) {
	user := NewUser("userKeyA")
	bucket := bucketUser(user, "hashKey", "unknownAttr", "saltyA")
	assert.InDelta(t, 0.0, bucket, 0.0000000)
}
