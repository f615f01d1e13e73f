package ldclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ParseTime converts a time defined in one of several formats into a *time.Time. Accepted
// inputs are a time.Time value, an RFC 3339 timestamp string, or a number of milliseconds
// since the Unix epoch. Returns nil if the value is in none of these formats.
func ParseTime(input interface{}) *time.Time {
	if input == nil {
		return nil
	}

	// if we get a number, we treat it as milliseconds since the Unix epoch
	switch typedInput := input.(type) {
	case time.Time:
		utcTime := typedInput.UTC()
		return &utcTime
	case string:
		value, err := time.Parse(time.RFC3339Nano, typedInput)
		if err != nil {
			return nil
		}
		utcTime := value.UTC()
		return &utcTime
	default:
		floatValue := ParseFloat64(input)
		if floatValue == nil {
			return nil
		}
		return unixMillisToUtcTime(*floatValue)
	}
}

// unixMillisToUtcTime converts a number of milliseconds since the Unix epoch to a UTC time
// pointer, preserving fractional milliseconds.
func unixMillisToUtcTime(unixMillis float64) *time.Time {
	value := time.Unix(0, int64(unixMillis*float64(time.Millisecond))).UTC()
	return &value
}

// ParseFloat64 converts a numeric value of any numeric type into a *float64. Returns nil
// for non-numeric inputs (note that bool is not numeric).
func ParseFloat64(input interface{}) *float64 {
	if input == nil {
		return nil
	}

	switch typedInput := input.(type) {
	case float64:
		return &typedInput
	case float32:
		value := float64(typedInput)
		return &value
	case int:
		value := float64(typedInput)
		return &value
	case int8:
		value := float64(typedInput)
		return &value
	case int16:
		value := float64(typedInput)
		return &value
	case int32:
		value := float64(typedInput)
		return &value
	case int64:
		value := float64(typedInput)
		return &value
	case uint:
		value := float64(typedInput)
		return &value
	case uint8:
		value := float64(typedInput)
		return &value
	case uint16:
		value := float64(typedInput)
		return &value
	case uint32:
		value := float64(typedInput)
		return &value
	case uint64:
		value := float64(typedInput)
		return &value
	}
	return nil
}

// ToJsonRawMessage converts an arbitrary value to a json.RawMessage.
func ToJsonRawMessage(input interface{}) (json.RawMessage, error) { //nolint (name cannot be changed for compatibility)
	if input == nil {
		return nil, nil
	}
	if inputRaw, ok := input.(json.RawMessage); ok {
		return inputRaw, nil
	}
	return json.Marshal(input)
}

// MakeAllVersionedDataMap returns a map of version objects grouped by namespace that can be
// used to initialize a feature store.
func MakeAllVersionedDataMap(
	features map[string]*FeatureFlag,
	segments map[string]*Segment) map[VersionedDataKind]map[string]VersionedData {

	allData := make(map[VersionedDataKind]map[string]VersionedData)
	allData[Features] = make(map[string]VersionedData)
	allData[Segments] = make(map[string]VersionedData)
	for k, v := range features {
		allData[Features][k] = v
	}
	for k, v := range segments {
		allData[Segments][k] = v
	}
	return allData
}

func addBaseHeaders(req *http.Request, sdkKey string, config Config) {
	req.Header.Add("Authorization", sdkKey)
	req.Header.Add("User-Agent", config.UserAgent)
	if config.WrapperName != "" {
		w := config.WrapperName
		if config.WrapperVersion != "" {
			w = w + "/" + config.WrapperVersion
		}
		req.Header.Add("X-LaunchDarkly-Wrapper", w)
	}
}

// HttpStatusError describes an HTTP response with a non-2xx status.
type HttpStatusError struct { //nolint (name cannot be changed for compatibility)
	Message string
	Code    int
}

func (e HttpStatusError) Error() string {
	return e.Message
}

// checkForHttpError canonicalizes a non-2xx response into an HttpStatusError.
func checkForHttpError(statusCode int, url string) error { //nolint (name for consistency with HttpStatusError)
	if statusCode == http.StatusUnauthorized {
		return HttpStatusError{
			Message: fmt.Sprintf("Invalid SDK key when accessing URL: %s. Verify that your SDK key is correct.", url),
			Code:    statusCode}
	}

	if statusCode == http.StatusNotFound {
		return HttpStatusError{
			Message: fmt.Sprintf("Resource not found when accessing URL: %s. Verify that this resource exists.", url),
			Code:    statusCode}
	}

	if statusCode/100 != 2 {
		return HttpStatusError{
			Message: fmt.Sprintf("Unexpected response code: %d when accessing URL: %s", statusCode, url),
			Code:    statusCode}
	}
	return nil
}

// isHTTPErrorRecoverable decides whether a failed HTTP request should be retried. All 5xx
// statuses and transport-level problems are retryable; 4xx statuses are not, except for
// 400, 408, and 429.
func isHTTPErrorRecoverable(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case 400: // bad request
			return true
		case 408: // request timeout
			return true
		case 429: // too many requests
			return true
		default:
			return false // all other 4xx errors are unrecoverable
		}
	}
	return true
}

func httpErrorMessage(statusCode int, context string, recoverableMessage string) string {
	statusDesc := ""
	if statusCode == 401 {
		statusDesc = " (invalid SDK key)"
	}
	resultMessage := recoverableMessage
	if !isHTTPErrorRecoverable(statusCode) {
		resultMessage = "giving up permanently"
	}
	return fmt.Sprintf("Received HTTP error %d%s for %s - %s",
		statusCode, statusDesc, context, resultMessage)
}

func now() uint64 {
	return toUnixMillis(time.Now())
}

func toUnixMillis(t time.Time) uint64 {
	ms := time.Duration(t.UnixNano()) / time.Millisecond
	return uint64(ms)
}
