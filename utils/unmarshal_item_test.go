package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ld "gopkg.in/launchdarkly/go-server-sdk.v4"
)

func TestUnmarshalFlag(t *testing.T) {
	item, err := UnmarshalItem(ld.Features, []byte(`{"key": "flagkey", "version": 2, "on": true}`))
	require.NoError(t, err)

	flag, ok := item.(*ld.FeatureFlag)
	require.True(t, ok)
	assert.Equal(t, "flagkey", flag.Key)
	assert.Equal(t, 2, flag.Version)
	assert.True(t, flag.On)
}

func TestUnmarshalSegment(t *testing.T) {
	item, err := UnmarshalItem(ld.Segments, []byte(`{"key": "segkey", "version": 3, "included": ["user1"]}`))
	require.NoError(t, err)

	segment, ok := item.(*ld.Segment)
	require.True(t, ok)
	assert.Equal(t, "segkey", segment.Key)
	assert.Equal(t, 3, segment.Version)
	assert.Equal(t, []string{"user1"}, segment.Included)
}

func TestUnmarshalMalformedJSONReturnsError(t *testing.T) {
	item, err := UnmarshalItem(ld.Features, []byte(`{"key"`))
	assert.Error(t, err)
	assert.Nil(t, item)
}
