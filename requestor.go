package ldclient

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/gregjones/httpcache"
	"golang.org/x/sync/singleflight"
)

const latestAllPath = "/sdk/latest-all"

// requestor is the single owner of on-demand polling requests to LaunchDarkly. Responses
// are cached by ETag, so an unchanged resource costs only a 304 round trip, and identical
// concurrent requests are coalesced into one.
type requestor struct {
	sdkKey     string
	httpClient *http.Client
	config     Config
	requests   singleflight.Group
}

type malformedJSONError struct {
	innerError error
}

func (e malformedJSONError) Error() string {
	return e.innerError.Error()
}

func newRequestor(sdkKey string, config Config, httpClient *http.Client) *requestor {
	baseClient := httpClient
	if baseClient == nil {
		baseClient = config.newHTTPClient()
	}

	cachingTransport := &httpcache.Transport{
		Cache:               httpcache.NewMemoryCache(),
		MarkCachedResponses: true,
		Transport:           baseClient.Transport,
	}
	client := cachingTransport.Client()
	client.Timeout = baseClient.Timeout

	return &requestor{
		sdkKey:     sdkKey,
		httpClient: client,
		config:     config,
	}
}

// requestAll fetches a full data snapshot. The cached return value is true if the service
// returned 304 and the data came from the requestor's local cache.
func (r *requestor) requestAll() (allData, bool, error) {
	var data allData
	body, cached, err := r.makeRequest(latestAllPath)
	if err != nil {
		return data, false, err
	}
	if cached {
		return data, true, nil
	}
	if jsonErr := json.Unmarshal(body, &data); jsonErr != nil {
		return data, false, malformedJSONError{jsonErr}
	}
	return data, cached, nil
}

// requestResource fetches a single flag or segment by key.
func (r *requestor) requestResource(kind VersionedDataKind, key string) (VersionedData, error) {
	resource := kind.GetStreamApiPath() + key
	body, _, err := r.makeRequest(resource)
	if err != nil {
		return nil, err
	}
	item, ok := kind.GetDefaultItem().(VersionedData)
	if !ok {
		return nil, fmt.Errorf("unexpected data type for %s", kind.GetNamespace())
	}
	if jsonErr := json.Unmarshal(body, item); jsonErr != nil {
		return nil, malformedJSONError{jsonErr}
	}
	return item, nil
}

type requestResult struct {
	body   []byte
	cached bool
}

// makeRequest performs a conditional GET for the given resource path. Concurrent calls for
// the same resource share a single round trip.
func (r *requestor) makeRequest(resource string) ([]byte, bool, error) {
	v, err, _ := r.requests.Do(resource, func() (interface{}, error) {
		result, err := r.doRequest(resource)
		return result, err
	})
	if err != nil {
		return nil, false, err
	}
	result := v.(requestResult)
	return result.body, result.cached, nil
}

func (r *requestor) doRequest(resource string) (requestResult, error) {
	req, reqErr := http.NewRequest("GET", r.config.BaseUri+resource, nil)
	if reqErr != nil {
		return requestResult{}, reqErr
	}
	url := req.URL.String()
	addBaseHeaders(req, r.sdkKey, r.config)

	res, resErr := r.httpClient.Do(req)
	if resErr != nil {
		return requestResult{}, resErr
	}

	defer func() {
		_, _ = ioutil.ReadAll(res.Body)
		_ = res.Body.Close()
	}()

	if err := checkForHttpError(res.StatusCode, url); err != nil {
		return requestResult{}, err
	}

	cached := res.Header.Get(httpcache.XFromCache) != ""

	body, ioErr := ioutil.ReadAll(res.Body)
	if ioErr != nil {
		return requestResult{}, ioErr
	}
	return requestResult{body: body, cached: cached}, nil
}
