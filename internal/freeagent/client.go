// Package freeagent is a minimal client for the FreeAgent REST API. It
// authenticates with the caller's upstream access token, which the OAuth
// proxy recovers from the proxy access token on every request.
package freeagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/freeagent-mcp/internal/errors"
	"github.com/alexjbarnes/freeagent-mcp/internal/telemetry"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads.
	maxAPIResponseBytes = 1024 * 1024

	userAgent = "freeagent-mcp"

	companyPath     = "/v2/company"
	currentUserPath = "/v2/users/me"
)

// Company is the subset of the FreeAgent company resource exposed to
// MCP clients.
type Company struct {
	URL                    string `json:"url"`
	Name                   string `json:"name"`
	Subdomain              string `json:"subdomain,omitempty"`
	Type                   string `json:"type,omitempty"`
	Currency               string `json:"currency,omitempty"`
	CompanyStartDate       string `json:"company_start_date,omitempty"`
	RegistrationNumber     string `json:"company_registration_number,omitempty"`
	SalesTaxRegistration   string `json:"sales_tax_registration_status,omitempty"`
	FirstAccountingYearEnd string `json:"first_accounting_year_end,omitempty"`
}

// User is the subset of the FreeAgent user resource exposed to MCP
// clients.
type User struct {
	URL             string `json:"url"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Email           string `json:"email"`
	Role            string `json:"role,omitempty"`
	PermissionLevel int64  `json:"permission_level"`
}

// Client talks to the FreeAgent REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	metrics    *telemetry.Metrics
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaves
// the FreeAgent API host.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// traced client with a 30-second timeout and same-host redirect policy
// is created. metrics may be nil.
func NewClient(baseURL string, httpClient *http.Client, metrics *telemetry.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
			Transport:     otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		metrics:    metrics,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Non-printable characters are replaced to
// prevent log injection.
func sanitizeResponseBody(body []byte) []byte {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return clean
}

// get performs an authenticated GET and returns the raw JSON body of a
// 200 response. Any other outcome is an *apperrors.UpstreamError.
func (c *Client) get(ctx context.Context, token, endpoint string) (body []byte, err error) {
	if token == "" {
		return nil, fmt.Errorf("%w: no upstream access token", apperrors.ErrTokenInvalid)
	}

	ctx, span := c.metrics.StartSpan(ctx, "freeagent.get", attribute.String("freeagent.endpoint", endpoint))
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	status := 0

	defer func() {
		c.metrics.RecordUpstreamCall(ctx, "api"+endpoint, status, float64(time.Since(start).Microseconds())/1000)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperrors.UpstreamError{
			Kind: apperrors.ErrUpstreamAPI,
			Body: []byte(fmt.Sprintf("sending request to %s: %v", endpoint, err)),
		}
	}
	defer resp.Body.Close()

	status = resp.StatusCode

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &apperrors.UpstreamError{
			Kind:   apperrors.ErrUpstreamAPI,
			Status: resp.StatusCode,
			Body:   sanitizeResponseBody(respBody),
		}
	}

	if !gjson.ValidBytes(respBody) {
		return nil, fmt.Errorf("%w: invalid JSON from %s", apperrors.ErrUpstreamAPI, endpoint)
	}

	return respBody, nil
}

// GetCompany returns the company the token's user belongs to.
func (c *Client) GetCompany(ctx context.Context, token string) (*Company, error) {
	body, err := c.get(ctx, token, companyPath)
	if err != nil {
		return nil, err
	}

	res := gjson.GetBytes(body, "company")
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: response from %s has no company object", apperrors.ErrUpstreamAPI, companyPath)
	}

	return &Company{
		URL:                    res.Get("url").String(),
		Name:                   res.Get("name").String(),
		Subdomain:              res.Get("subdomain").String(),
		Type:                   res.Get("type").String(),
		Currency:               res.Get("currency").String(),
		CompanyStartDate:       res.Get("company_start_date").String(),
		RegistrationNumber:     res.Get("company_registration_number").String(),
		SalesTaxRegistration:   res.Get("sales_tax_registration_status").String(),
		FirstAccountingYearEnd: res.Get("first_accounting_year_end").String(),
	}, nil
}

// GetCurrentUser returns the user the token was issued to.
func (c *Client) GetCurrentUser(ctx context.Context, token string) (*User, error) {
	body, err := c.get(ctx, token, currentUserPath)
	if err != nil {
		return nil, err
	}

	res := gjson.GetBytes(body, "user")
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: response from %s has no user object", apperrors.ErrUpstreamAPI, currentUserPath)
	}

	return &User{
		URL:             res.Get("url").String(),
		FirstName:       res.Get("first_name").String(),
		LastName:        res.Get("last_name").String(),
		Email:           res.Get("email").String(),
		Role:            res.Get("role").String(),
		PermissionLevel: res.Get("permission_level").Int(),
	}, nil
}
