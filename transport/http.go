package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// PostTimeout bounds each POST exchange. The upstream service answers
// challenge submissions in multiples of roughly three seconds, so the bound
// sits slightly above a multiple of three.
const PostTimeout = 16 * time.Second

// AcceptedStatus is the set of status codes that still carry an inspectable
// JSON body. 4xx entries are included because the token endpoint reports
// rejections such as invalid_grant with a 400.
var AcceptedStatus = map[int]struct{}{
	http.StatusOK:                {},
	http.StatusCreated:           {},
	http.StatusAccepted:          {},
	http.StatusNoContent:         {},
	http.StatusMovedPermanently:  {},
	http.StatusFound:             {},
	http.StatusSeeOther:          {},
	http.StatusNotModified:       {},
	http.StatusTemporaryRedirect: {},
	http.StatusBadRequest:        {},
	http.StatusUnauthorized:      {},
	http.StatusPaymentRequired:   {},
	http.StatusForbidden:         {},
}

// HTTPAdapter is the default Adapter implementation.
type HTTPAdapter struct {
	client      *http.Client
	userAgent   string
	postTimeout time.Duration
}

// HTTPOption customizes an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient supplies the underlying client, e.g. one carrying proxy or
// custom TLS settings.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		if client != nil {
			a.client = client
		}
	}
}

// WithUserAgent overrides the User-Agent header sent with every request.
func WithUserAgent(userAgent string) HTTPOption {
	return func(a *HTTPAdapter) {
		if userAgent != "" {
			a.userAgent = userAgent
		}
	}
}

// WithPostTimeout overrides the per-POST deadline, e.g. behind slow proxies.
func WithPostTimeout(d time.Duration) HTTPOption {
	return func(a *HTTPAdapter) {
		if d > 0 {
			a.postTimeout = d
		}
	}
}

// NewHTTPAdapter creates an Adapter backed by net/http.
func NewHTTPAdapter(opts ...HTTPOption) *HTTPAdapter {
	adapter := &HTTPAdapter{
		client:      &http.Client{},
		userAgent:   "brokerauth-go",
		postTimeout: PostTimeout,
	}
	for _, opt := range opts {
		opt(adapter)
	}
	return adapter
}

// Post sends payload to url with a ceiling on the exchange, 16 seconds
// unless overridden.
func (a *HTTPAdapter) Post(ctx context.Context, url string, payload []byte, asJSON bool) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Op: "post", URL: url, Err: err}
	}
	if asJSON {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	}
	return a.do(req, "post")
}

// Get fetches url and returns the response body.
func (a *HTTPAdapter) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Op: "get", URL: url, Err: err}
	}
	return a.do(req, "get")
}

func (a *HTTPAdapter) do(req *http.Request, op string) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &Error{Op: op, URL: req.URL.String(), Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if _, ok := AcceptedStatus[resp.StatusCode]; !ok {
		return nil, &Error{Op: op, URL: req.URL.String(), StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, URL: req.URL.String(), StatusCode: resp.StatusCode, Err: err}
	}
	return body, nil
}
