// Package notion reads the rule registry database through the Notion API.
package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// DefaultRequestsPerSecond is Notion's published average request limit.
const DefaultRequestsPerSecond = 3

// Client is the part of the Notion API the registry loader reads through.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
}

// Options tunes a registry client. Zero values select the defaults.
type Options struct {
	// RequestsPerSecond caps outgoing queries. Negative disables throttling.
	RequestsPerSecond float64
	// Retries is how many 429 responses the API client absorbs before
	// giving up. Zero keeps the library default.
	Retries    int
	HTTPClient *http.Client
}

func (o Options) limiter() *rate.Limiter {
	switch {
	case o.RequestsPerSecond < 0:
		return nil
	case o.RequestsPerSecond == 0:
		return rate.NewLimiter(DefaultRequestsPerSecond, 1)
	default:
		return rate.NewLimiter(rate.Limit(o.RequestsPerSecond), max(int(o.RequestsPerSecond), 1))
	}
}

// APIError is a failed registry query, carrying Notion's status and code.
type APIError struct {
	Database string
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("notion: query database %s: status %d: %s", e.Database, e.Status, e.Message)
	}
	return fmt.Sprintf("notion: query database %s: %s (%d): %s", e.Database, e.Code, e.Status, e.Message)
}

// Temporary reports whether the same query may succeed later.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// IsTemporary reports whether err wraps a retryable APIError.
func IsTemporary(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}

type registryClient struct {
	api     *notionapi.Client
	limiter *rate.Limiter
}

// NewClient returns a throttled Client authenticated with token.
func NewClient(token string, opts Options) Client {
	var apiOpts []notionapi.ClientOption
	if opts.Retries > 0 {
		apiOpts = append(apiOpts, notionapi.WithRetry(opts.Retries))
	}
	if opts.HTTPClient != nil {
		apiOpts = append(apiOpts, notionapi.WithHTTPClient(opts.HTTPClient))
	}
	return &registryClient{
		api:     notionapi.NewClient(notionapi.Token(token), apiOpts...),
		limiter: opts.limiter(),
	}
}

func (c *registryClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrapf(err, "notion: throttle query of %s", dbID)
		}
	}
	resp, err := c.api.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	if err != nil {
		return nil, classify(dbID, err)
	}
	return resp, nil
}

// classify turns notionapi failures into APIError so callers can tell a
// missing database from a throttled one.
func classify(dbID string, err error) error {
	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) {
		return &APIError{Database: dbID, Status: apiErr.Status, Code: string(apiErr.Code), Message: apiErr.Message}
	}
	var limited *notionapi.RateLimitedError
	if errors.As(err, &limited) {
		return &APIError{Database: dbID, Status: http.StatusTooManyRequests, Code: "rate_limited", Message: limited.Message}
	}
	return eris.Wrapf(err, "notion: query database %s", dbID)
}
