package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TokenSource yields the access token at send time.
type TokenSource interface {
	AccessToken() string
}

// Refresher exchanges the refresh token for a new access token.
// staleToken is the access token the failed request carried.
type Refresher interface {
	Refresh(ctx context.Context, staleToken string) (string, error)
}

// Request is an outbound call relative to the API base URL. It holds no
// credential; the bearer token is attached when the request is sent.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	// Timeout overrides the dispatcher default for this call.
	Timeout time.Duration
	// Anonymous requests carry no Authorization header.
	Anonymous bool
	// NoRefresh disables the refresh-and-retry on an expired token.
	NoRefresh bool
}

// Response is a successful (status < 400) reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Dispatcher sends API requests with the current bearer credential and
// transparently recovers from one expired-token 401 per request.
type Dispatcher struct {
	base      *url.URL
	client    *http.Client
	tokens    TokenSource
	refresher Refresher
	timeout   time.Duration
	log       *zerolog.Logger
}

// NewDispatcher creates a dispatcher for baseURL. httpClient may be nil.
func NewDispatcher(baseURL string, tokens TokenSource, httpClient *http.Client, timeout time.Duration, logger *zerolog.Logger) (*Dispatcher, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: unsupported scheme", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Dispatcher{
		base:    base,
		client:  httpClient,
		tokens:  tokens,
		timeout: timeout,
		log:     logger,
	}, nil
}

// SetRefresher installs the refresh coordinator. It must be called before
// the first Send.
func (d *Dispatcher) SetRefresher(r Refresher) {
	d.refresher = r
}

// Send performs the request. On a 401 carrying the expired-token code the
// token is refreshed and the request resubmitted exactly once; a second 401
// and every other failure are returned unchanged.
func (d *Dispatcher) Send(ctx context.Context, req *Request) (*Response, error) {
	token := ""
	if !req.Anonymous {
		token = d.tokens.AccessToken()
	}

	resp, err := d.attempt(ctx, req, token)
	var httpErr *HTTPError
	if err == nil || !errors.As(err, &httpErr) || !d.canRetry(req, httpErr) {
		return resp, err
	}

	d.log.Debug().Str("method", req.Method).Str("path", req.Path).Msg("access token rejected, refreshing")
	fresh, refreshErr := d.refresher.Refresh(ctx, token)
	if refreshErr != nil {
		return nil, refreshErr
	}

	return d.attempt(ctx, req, fresh)
}

func (d *Dispatcher) canRetry(req *Request, httpErr *HTTPError) bool {
	return httpErr.TokenExpired() && !req.NoRefresh && !req.Anonymous && d.refresher != nil
}

func (d *Dispatcher) attempt(ctx context.Context, req *Request, token string) (*Response, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = d.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	op := method + " " + req.Path

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, d.resolve(req), body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := d.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	if res.StatusCode >= http.StatusBadRequest {
		httpErr := newHTTPError(res.StatusCode, data)
		d.log.Debug().Str("op", op).Int("status", res.StatusCode).Str("code", httpErr.Code).Msg("request failed")
		return nil, httpErr
	}

	return &Response{Status: res.StatusCode, Header: res.Header, Body: data}, nil
}

func (d *Dispatcher) resolve(req *Request) string {
	ref := &url.URL{Path: strings.TrimPrefix(req.Path, "/")}
	if len(req.Query) > 0 {
		ref.RawQuery = req.Query.Encode()
	}
	return d.base.ResolveReference(ref).String()
}
