package auth

//go:generate mockgen -destination=mock_upstream_test.go -package=auth . Upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/freeagent-mcp/internal/errors"
	"github.com/alexjbarnes/freeagent-mcp/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
)

const (
	// upstreamHTTPTimeout bounds a single call to the upstream token
	// endpoint. Failed calls are never retried.
	upstreamHTTPTimeout = 30 * time.Second

	// defaultUpstreamTTL is assumed when the upstream omits expires_in.
	defaultUpstreamTTL = time.Hour

	// Paths on the FreeAgent API host.
	approvePath       = "/v2/approve_app"
	tokenEndpointPath = "/v2/token_endpoint"

	// FreeAgent API hosts.
	ProductionBaseURL = "https://api.freeagent.com"
	SandboxBaseURL    = "https://api.sandbox.freeagent.com"
)

// UpstreamTokens is what the upstream token endpoint returned.
type UpstreamTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Upstream is the proxy's OAuth client towards the upstream provider.
type Upstream interface {
	// AuthCodeURL returns the consent page URL carrying state.
	AuthCodeURL(state string) string

	// Exchange trades an upstream authorization code for tokens.
	Exchange(ctx context.Context, code string) (*UpstreamTokens, error)

	// Refresh trades an upstream refresh token for fresh tokens.
	Refresh(ctx context.Context, refreshToken string) (*UpstreamTokens, error)
}

// UpstreamConfig configures OAuth2Upstream.
type UpstreamConfig struct {
	ClientID     string
	ClientSecret string

	// BaseURL is the upstream API host, e.g. ProductionBaseURL.
	BaseURL string

	// RedirectURL is the proxy's own fixed callback URL.
	RedirectURL string

	// HTTPClient is used for token endpoint calls. Nil uses a client
	// with a 30 second timeout.
	HTTPClient *http.Client

	Metrics *telemetry.Metrics
}

// OAuth2Upstream implements Upstream with golang.org/x/oauth2. The proxy
// authenticates to the token endpoint with HTTP Basic auth.
type OAuth2Upstream struct {
	config     *oauth2.Config
	httpClient *http.Client
	metrics    *telemetry.Metrics
}

// NewOAuth2Upstream creates the upstream client.
func NewOAuth2Upstream(cfg UpstreamConfig) *OAuth2Upstream {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: upstreamHTTPTimeout}
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	base := strings.TrimRight(cfg.BaseURL, "/")

	return &OAuth2Upstream{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + approvePath,
				TokenURL:  base + tokenEndpointPath,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: httpClient,
		metrics:    metrics,
	}
}

// AuthCodeURL implements Upstream. It carries client_id, response_type,
// the fixed redirect_uri and state.
func (u *OAuth2Upstream) AuthCodeURL(state string) string {
	return u.config.AuthCodeURL(state)
}

// Exchange implements Upstream.
func (u *OAuth2Upstream) Exchange(ctx context.Context, code string) (*UpstreamTokens, error) {
	ctx, span := u.metrics.StartSpan(ctx, "upstream.exchange",
		attribute.String(telemetry.AttrGrantType, "authorization_code"))

	start := time.Now()
	tok, err := u.config.Exchange(context.WithValue(ctx, oauth2.HTTPClient, u.httpClient), code)
	u.metrics.RecordUpstreamCall(ctx, "exchange", upstreamStatus(tok, err), msSince(start))

	if err != nil {
		err = upstreamError(apperrors.ErrUpstreamTokenExchange, err)
		telemetry.EndSpan(span, err)

		return nil, err
	}

	telemetry.EndSpan(span, nil)

	return fromOAuth2Token(tok, ""), nil
}

// Refresh implements Upstream. The upstream may omit a new refresh token,
// in which case the presented one is returned unchanged.
func (u *OAuth2Upstream) Refresh(ctx context.Context, refreshToken string) (*UpstreamTokens, error) {
	ctx, span := u.metrics.StartSpan(ctx, "upstream.refresh",
		attribute.String(telemetry.AttrGrantType, "refresh_token"))

	start := time.Now()
	src := u.config.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, u.httpClient), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	u.metrics.RecordUpstreamCall(ctx, "refresh", upstreamStatus(tok, err), msSince(start))

	if err != nil {
		err = upstreamError(apperrors.ErrUpstreamRefresh, err)
		telemetry.EndSpan(span, err)

		return nil, err
	}

	telemetry.EndSpan(span, nil)

	return fromOAuth2Token(tok, refreshToken), nil
}

func fromOAuth2Token(tok *oauth2.Token, fallbackRefresh string) *UpstreamTokens {
	out := &UpstreamTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    defaultUpstreamTTL,
	}

	if out.RefreshToken == "" {
		out.RefreshToken = fallbackRefresh
	}

	// oauth2 turns expires_in into an absolute Expiry on receipt.
	if !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry).Round(time.Second); d > 0 {
			out.ExpiresIn = d
		}
	}

	return out
}

// upstreamError converts an oauth2 failure into an UpstreamError that
// keeps the upstream body verbatim.
func upstreamError(kind, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}

		return &apperrors.UpstreamError{Kind: kind, Status: status, Body: re.Body}
	}

	return &apperrors.UpstreamError{Kind: kind, Body: []byte(err.Error())}
}

func upstreamStatus(tok *oauth2.Token, err error) int {
	if err == nil && tok != nil {
		return http.StatusOK
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}

	return 0
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// BaseURLFor returns the FreeAgent host for the sandbox flag.
func BaseURLFor(sandbox bool) string {
	if sandbox {
		return SandboxBaseURL
	}

	return ProductionBaseURL
}

// CallbackURL returns the proxy's fixed callback URL under serverURL.
func CallbackURL(serverURL string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(serverURL, "/"), CallbackPath)
}
