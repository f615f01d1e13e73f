package shared_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/launchdarkly/go-test-helpers/httphelpers"
)

// MakeSelfSignedCert generates a self-signed certificate and writes it to the specified files.
func MakeSelfSignedCert(certFilePath, keyFilePath string) error {
	return httphelpers.MakeSelfSignedCert(certFilePath, keyFilePath)
}

// MakeServerWithCert creates and starts a test HTTPS server using the specified certificate.
func MakeServerWithCert(certFilePath, keyFilePath string, handler http.Handler) (*httptest.Server, error) {
	return httphelpers.MakeServerWithCert(certFilePath, keyFilePath, handler)
}
