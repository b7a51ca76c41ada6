// Package bfd is an HTTP client for the Beneficiary FHIR Data (Blue Button)
// server that supplies claims data for exports.
package bfd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/auth"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/fhir"
)

// Identifier systems understood by the server.
const (
	SystemMBIHash = "https://bluebutton.cms.gov/resources/identifier/mbi-hash"
	SystemMBI     = "http://hl7.org/fhir/sid/us-mbi"
)

// Request headers forwarded on every call.
const (
	HeaderIncludeIdentifiers = "IncludeIdentifiers"
	HeaderOriginalQueryID    = "BFD-OriginalQueryId"
	HeaderBulkJobID          = "BULK-JOBID"
	HeaderBulkClientID       = "BULK-CLIENTID"
	HeaderDPCClientID        = "DPC-CLIENTID"
	HeaderForwardedFor       = "X-Forwarded-For"
)

const (
	fhirJSON        = "application/fhir+json"
	maxResponseSize = 64 << 20
)

var (
	// ErrNotFound is returned when the server has no such patient.
	ErrNotFound = errors.New("bfd: resource not found")
)

// StatusError is returned for any non-2xx response other than 404.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bfd: %s returned HTTP %d", e.URL, e.StatusCode)
}

// Retryable reports whether err is worth another attempt: transport failures,
// throttling and 5xx responses.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	var de *DecodeError
	return !errors.As(err, &de)
}

// DecodeError is returned when a response body is not the expected resource.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "bfd: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Config configures a Client.
type Config struct {
	BaseURL           string
	HashPepper        string // hex encoded
	HashIterations    int
	ResourcesCount    int
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Headers carry job context to the server for auditing.
type Headers struct {
	JobID        string
	RequestURL   string
	RequestingIP string
	Bulk         bool
}

// LastUpdated bounds the _lastUpdated search: exclusive lower bound, inclusive
// upper bound. A zero Until means no upper bound.
type LastUpdated struct {
	Since *time.Time
	Until time.Time
}

// Client talks to the BFD FHIR API.
type Client struct {
	base    *url.URL
	cfg     Config
	pepper  []byte
	http    *http.Client
	limiter *rate.Limiter
	tokens  auth.TokenSource
	logger  zerolog.Logger
}

// Option configures optional Client dependencies.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (e.g. for mTLS).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTokenSource attaches a bearer token to every request.
func WithTokenSource(ts auth.TokenSource) Option {
	return func(cl *Client) { cl.tokens = ts }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("bfd: invalid base url %q", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	pepper, err := decodePepper(cfg.HashPepper)
	if err != nil {
		return nil, err
	}
	if cfg.HashIterations <= 0 {
		cfg.HashIterations = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		base:   base,
		cfg:    cfg,
		pepper: pepper,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: zerolog.Nop(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RequestPatientByMBI hashes mbi and searches Patient by the hashed identifier.
func (c *Client) RequestPatientByMBI(ctx context.Context, mbi string, h Headers) (*fhir.Bundle, error) {
	hash, err := c.HashMBI(strings.ToUpper(mbi))
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("identifier", SystemMBIHash+"|"+hash)
	return c.search(ctx, fhir.ResourceTypePatient, q, h)
}

// RequestPatient fetches a Patient by its BFD id.
func (c *Client) RequestPatient(ctx context.Context, beneID string, lu *LastUpdated, h Headers) (*fhir.Bundle, error) {
	q := url.Values{}
	q.Set("_id", beneID)
	return c.searchForPatient(ctx, fhir.ResourceTypePatient, beneID, q, lu, h)
}

// RequestEOB fetches ExplanationOfBenefit resources for a beneficiary.
func (c *Client) RequestEOB(ctx context.Context, beneID string, lu *LastUpdated, h Headers) (*fhir.Bundle, error) {
	q := url.Values{}
	q.Set("patient", beneID)
	q.Set("excludeSAMHSA", "true")
	return c.searchForPatient(ctx, fhir.ResourceTypeExplanationOfBenefit, beneID, q, lu, h)
}

// RequestCoverage fetches Coverage resources for a beneficiary.
func (c *Client) RequestCoverage(ctx context.Context, beneID string, lu *LastUpdated, h Headers) (*fhir.Bundle, error) {
	q := url.Values{}
	q.Set("beneficiary", "Patient/"+beneID)
	return c.searchForPatient(ctx, fhir.ResourceTypeCoverage, beneID, q, lu, h)
}

// RequestNextBundle follows a bundle's next link. Links must point at the
// configured server.
func (c *Client) RequestNextBundle(ctx context.Context, nextURL string, h Headers) (*fhir.Bundle, error) {
	u, err := url.Parse(nextURL)
	if err != nil {
		return nil, fmt.Errorf("bfd: parse next link: %w", err)
	}
	if u.Host != "" && u.Host != c.base.Host {
		return nil, fmt.Errorf("bfd: next link host %q does not match %q", u.Host, c.base.Host)
	}
	u = c.base.ResolveReference(u)
	body, err := c.get(ctx, u.String(), h)
	if err != nil {
		return nil, err
	}
	return decodeBundle(body)
}

// RequestCapabilityStatement fetches /metadata.
func (c *Client) RequestCapabilityStatement(ctx context.Context) (*fhir.CapabilityStatement, error) {
	u := c.base.ResolveReference(&url.URL{Path: "metadata"})
	body, err := c.get(ctx, u.String(), Headers{})
	if err != nil {
		return nil, err
	}
	var cs fhir.CapabilityStatement
	if err := json.Unmarshal(body, &cs); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("decode capability statement: %w", err)}
	}
	if cs.ResourceType != fhir.ResourceTypeCapabilityStatement {
		return nil, &DecodeError{Err: fmt.Errorf("unexpected resourceType %q", cs.ResourceType)}
	}
	return &cs, nil
}

// searchForPatient runs a per-beneficiary search. An empty first page with
// no date filter means the beneficiary does not exist.
func (c *Client) searchForPatient(ctx context.Context, resourceType, beneID string, q url.Values, lu *LastUpdated, h Headers) (*fhir.Bundle, error) {
	if c.cfg.ResourcesCount > 0 {
		q.Set("_count", strconv.Itoa(c.cfg.ResourcesCount))
	}
	if lu != nil {
		if lu.Since != nil {
			q.Add("_lastUpdated", "gt"+formatInstant(*lu.Since))
		}
		if !lu.Until.IsZero() {
			q.Add("_lastUpdated", "le"+formatInstant(lu.Until))
		}
	}
	b, err := c.search(ctx, resourceType, q, h)
	if err != nil {
		return nil, err
	}
	if len(b.Entry) == 0 && lu == nil {
		return nil, fmt.Errorf("%w: no patient found with id %s", ErrNotFound, beneID)
	}
	return b, nil
}

func (c *Client) search(ctx context.Context, resourceType string, q url.Values, h Headers) (*fhir.Bundle, error) {
	u := c.base.ResolveReference(&url.URL{Path: resourceType})
	u.RawQuery = q.Encode()
	body, err := c.get(ctx, u.String(), h)
	if err != nil {
		return nil, err
	}
	return decodeBundle(body)
}

func (c *Client) get(ctx context.Context, rawURL string, h Headers) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bfd: build request: %w", err)
	}
	req.Header.Set("Accept", fhirJSON)
	setHeaders(req.Header, h)
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("bfd: obtain access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bfd: request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("bfd: read response: %w", err)
	}

	c.logger.Debug().
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("bfd request")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: req.URL.Path, Body: snippet}
	}
	return body, nil
}

func setHeaders(hdr http.Header, h Headers) {
	hdr.Set(HeaderIncludeIdentifiers, "mbi")
	set := func(k, v string) {
		if strings.TrimSpace(v) != "" {
			hdr.Set(k, v)
		}
	}
	set(HeaderForwardedFor, h.RequestingIP)
	set(HeaderOriginalQueryID, h.JobID)
	if h.Bulk {
		set(HeaderBulkJobID, h.JobID)
		set(HeaderBulkClientID, h.RequestURL)
	} else {
		set(HeaderDPCClientID, h.RequestURL)
	}
}

func decodeBundle(body []byte) (*fhir.Bundle, error) {
	b, err := fhir.DecodeBundle(body)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return b, nil
}

func formatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
