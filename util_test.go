package ldclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPErrorRecoverability(t *testing.T) {
	// 400 is retried along with 408 and 429; servers have been seen returning transient 400s
	for _, status := range []int{400, 408, 429, 500, 503} {
		assert.True(t, isHTTPErrorRecoverable(status), "status %d should be recoverable", status)
	}
	for _, status := range []int{401, 403, 404, 405} {
		assert.False(t, isHTTPErrorRecoverable(status), "status %d should not be recoverable", status)
	}
}

func TestHTTPErrorMessageDescribesRecoverability(t *testing.T) {
	assert.Equal(t, "Received HTTP error 503 for things - will retry",
		httpErrorMessage(503, "things", "will retry"))
	assert.Equal(t, "Received HTTP error 401 (invalid SDK key) for things - giving up permanently",
		httpErrorMessage(401, "things", "will retry"))
}
