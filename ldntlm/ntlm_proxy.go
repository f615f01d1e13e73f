// Package ldntlm supports connecting to LaunchDarkly through a proxy server that requires
// NTLM authentication, which the standard Go HTTP client proxy mechanism cannot do. The
// authentication handshake itself is handled by github.com/launchdarkly/go-ntlm-proxy-auth.
//
// Pass the returned factory in your client configuration:
//
//     clientFactory, err := ldntlm.NewNTLMProxyHTTPClientFactory("http://my-proxy.com",
//         "username", "password", "domain")
//     if err != nil {
//         // the proxy URL or another parameter was invalid
//     }
//     config := ld.DefaultConfig
//     config.HTTPClientFactory = clientFactory
//     client, err := ld.MakeCustomClient("sdk-key", config, 5*time.Second)
//
// If the connection to the proxy itself is secure, TLS options from the ldhttp package
// (such as ldhttp.CACertFileOption) can be appended to the factory call.
package ldntlm

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	ntlm "github.com/launchdarkly/go-ntlm-proxy-auth"

	ld "gopkg.in/launchdarkly/go-server-sdk.v4"
	"gopkg.in/launchdarkly/go-server-sdk.v4/ldhttp"
)

// NewNTLMProxyHTTPClientFactory returns a factory, suitable for the HTTPClientFactory
// property of Config, that creates HTTP clients routing all requests through an
// NTLM-authenticated proxy server. The proxy URL, username, and password are required;
// domain may be empty. Any ldhttp.TransportOption values are applied to the underlying
// transport.
func NewNTLMProxyHTTPClientFactory(proxyURL, username, password, domain string,
	options ...ldhttp.TransportOption) (ld.HTTPClientFactory, error) {
	if proxyURL == "" || username == "" || password == "" {
		return nil, errors.New("ProxyURL, username, and password are required")
	}
	parsedProxyURL, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("Invalid proxy URL %s: %s", proxyURL, err)
	}
	// Apply the options once now, so that a bad option is reported here instead of being
	// silently ignored every time a client is created.
	if _, _, err := ldhttp.NewHTTPTransport(options...); err != nil {
		return nil, err
	}
	return func(config ld.Config) http.Client {
		client := *http.DefaultClient
		allOpts := append([]ldhttp.TransportOption{ldhttp.ConnectTimeoutOption(config.Timeout)}, options...)
		transport, dialer, err := ldhttp.NewHTTPTransport(allOpts...)
		if err != nil {
			return client
		}
		transport.DialContext = ntlm.NewNTLMProxyDialContext(dialer, *parsedProxyURL,
			username, password, domain, transport.TLSClientConfig)
		client.Transport = transport
		return client
	}, nil
}
