package session

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var DebugLog func(string, ...interface{})

// Session carries the HTTP client shared by the hub downloader and the
// Elasticsearch tracker.
type Session struct {
	Client *http.Client
}

type LoggingTransport struct {
	Transport http.RoundTripper
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if DebugLog != nil {
		DebugLog("requesting url: %s", req.URL.String())

		if len(req.Header) > 0 {
			var headers []string
			for k, v := range req.Header {
				switch k {
				case "User-Agent":
					continue
				case "Authorization":
					headers = append(headers, k+": <redacted>")
				default:
					headers = append(headers, fmt.Sprintf("%s: %s", k, strings.Join(v, ", ")))
				}
			}
			if len(headers) > 0 {
				DebugLog("request headers: %s", strings.Join(headers, " | "))
			}
		}
	}

	resp, err := t.Transport.RoundTrip(req)

	if DebugLog != nil {
		host := req.URL.Host
		if err != nil {
			DebugLog("request to %s failed: %v", host, err)
		} else {
			DebugLog("response for %s: status code %d", req.URL.String(), resp.StatusCode)

			if resp.ContentLength >= 0 {
				DebugLog("response length: %d bytes", resp.ContentLength)
			}

			if resp.StatusCode >= 400 {
				DebugLog("unexpected status code %d from %s", resp.StatusCode, host)

				if resp.Body != nil {
					bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 500))
					if readErr == nil && len(bodyBytes) > 0 {
						DebugLog("error response body: %s", string(bodyBytes))
					}
				}
			}
		}
	}

	return resp, err
}

// NewTransport returns the pooled transport, wrapped for request logging
// when DebugLog is set.
func NewTransport() http.RoundTripper {
	baseTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}

	if DebugLog != nil {
		return &LoggingTransport{Transport: baseTransport}
	}
	return baseTransport
}

// New builds a session whose requests time out after timeout seconds; 0
// disables the timeout.
func New(timeout int) *Session {
	return &Session{
		Client: &http.Client{
			Timeout:   time.Duration(timeout) * time.Second,
			Transport: NewTransport(),
		},
	}
}
