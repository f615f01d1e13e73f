// Package ldhttp provides helpers for building the customized HTTP transports that the
// SDK client uses. Most applications will not need this package; it is for cases that the
// default Go HTTP client cannot handle, such as trusting additional CA certificates or
// forcing a specific proxy.
package ldhttp

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"time"
)

const defaultConnectTimeout = 10 * time.Second

// transportConfig accumulates the settings applied by TransportOptions.
type transportConfig struct {
	caCerts        *x509.CertPool
	connectTimeout time.Duration
	proxyURL       *url.URL
}

// TransportOption is the interface for optional configuration parameters that can be
// passed to NewHTTPTransport.
type TransportOption interface {
	apply(c *transportConfig) error
}

type transportOptionFunc func(c *transportConfig) error

func (f transportOptionFunc) apply(c *transportConfig) error {
	return f(c)
}

// ConnectTimeoutOption sets the maximum time to wait for a TCP connection to be
// established, when used with NewHTTPTransport.
func ConnectTimeoutOption(timeout time.Duration) TransportOption {
	return transportOptionFunc(func(c *transportConfig) error {
		c.connectTimeout = timeout
		return nil
	})
}

// CACertOption adds a certificate, in PEM format, to the trusted root CA list used for
// HTTPS requests, when used with NewHTTPTransport. Certificates from the system pool
// remain trusted as well.
func CACertOption(certData []byte) TransportOption {
	return transportOptionFunc(func(c *transportConfig) error {
		return c.addCACert(certData)
	})
}

// CACertFileOption is like CACertOption except that the certificate data is read from a
// PEM file.
func CACertFileOption(filePath string) TransportOption {
	return transportOptionFunc(func(c *transportConfig) error {
		bytes, err := ioutil.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("Can't read CA certificate file: %v", err)
		}
		return c.addCACert(bytes)
	})
}

// ProxyOption routes all requests through the given proxy URL, when used with
// NewHTTPTransport. This overrides the HTTP_PROXY, HTTPS_PROXY, and NO_PROXY environment
// variables.
func ProxyOption(url url.URL) TransportOption {
	return transportOptionFunc(func(c *transportConfig) error {
		u := url
		c.proxyURL = &u
		return nil
	})
}

func (c *transportConfig) addCACert(certData []byte) error {
	if c.caCerts == nil {
		pool, err := x509.SystemCertPool() // SystemCertPool returns a copy that is safe to modify
		if err != nil {
			pool = x509.NewCertPool()
		}
		c.caCerts = pool
	}
	if !c.caCerts.AppendCertsFromPEM(certData) {
		return errors.New("Invalid CA certificate data")
	}
	return nil
}

// NewHTTPTransport builds an http.Transport with the given options applied. The dialer
// associated with the transport is returned as well, so that callers can layer their own
// DialContext on top of it; the ldntlm package does this for proxy authentication.
//
// When configuring the SDK, it is usually simpler to use ld.NewHTTPClientFactory() than
// to call this directly.
func NewHTTPTransport(options ...TransportOption) (*http.Transport, *net.Dialer, error) {
	c := transportConfig{connectTimeout: defaultConnectTimeout}
	for _, o := range options {
		if err := o.apply(&c); err != nil {
			return nil, nil, err
		}
	}
	dialer := &net.Dialer{
		Timeout:   c.connectTimeout,
		KeepAlive: 1 * time.Minute, // the stream processor relies on keep-alives to detect dropped connections
	}
	// http.DefaultTransport is not copied here because Transport contains a mutex, and
	// copying a lock by value is unsafe. These settings mirror its defaults.
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if c.caCerts != nil {
		transport.TLSClientConfig = &tls.Config{RootCAs: c.caCerts}
	}
	if c.proxyURL != nil {
		transport.Proxy = http.ProxyURL(c.proxyURL)
	}
	return transport, dialer, nil
}
