package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/freeagent-mcp/internal/errors"
	"github.com/alexjbarnes/freeagent-mcp/internal/models"
	"github.com/alexjbarnes/freeagent-mcp/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// ProxyScope is the single scope granted by this server.
	ProxyScope = "freeagent"

	// refreshTokenTTL is the lifetime of proxy refresh tokens.
	refreshTokenTTL = 30 * 24 * time.Hour

	// TokenTypeBearer is the token_type in token responses.
	TokenTypeBearer = "bearer"
)

// Denylist records revoked token ids until the token would have expired
// anyway. Optional: without one, revocation is a no-op.
type Denylist interface {
	Revoke(tokenID string, expiresAt time.Time) error
	IsRevoked(tokenID string) (bool, error)
}

// ProxyConfig holds the Proxy's collaborators.
type ProxyConfig struct {
	Codec    *Codec
	Sessions SessionStore
	Clients  *ClientDirectory
	Upstream Upstream
	Denylist Denylist

	// AccessTokenTTL overrides the upstream expires_in when non-zero.
	AccessTokenTTL time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Proxy is the authorization server proxy state machine. It holds no
// state that must survive a restart: pending authorizations live in the
// SessionStore and upstream credentials live inside signed tokens.
type Proxy struct {
	codec          *Codec
	sessions       SessionStore
	clients        *ClientDirectory
	upstream       Upstream
	denylist       Denylist
	accessTokenTTL time.Duration
	logger         *slog.Logger
	metrics        *telemetry.Metrics
}

// NewProxy creates a Proxy.
func NewProxy(cfg ProxyConfig) *Proxy {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Proxy{
		codec:          cfg.Codec,
		sessions:       cfg.Sessions,
		clients:        cfg.Clients,
		upstream:       cfg.Upstream,
		denylist:       cfg.Denylist,
		accessTokenTTL: cfg.AccessTokenTTL,
		logger:         logger,
		metrics:        metrics,
	}
}

// Clients returns the proxy's client directory.
func (p *Proxy) Clients() *ClientDirectory {
	return p.clients
}

// LookupClient resolves clientID through the directory, synthesizing a
// placeholder on a miss.
func (p *Proxy) LookupClient(ctx context.Context, clientID string) ClientLookup {
	lookup := p.clients.Lookup(clientID)
	p.metrics.RecordClientLookup(ctx, lookup.Status.String())

	if lookup.Status == ClientReconstructed {
		p.logger.Debug("client directory miss, using placeholder",
			slog.String("client_id", clientID),
		)
	}

	return lookup
}

// AuthorizeParams are the caller's validated authorization parameters.
type AuthorizeParams struct {
	CodeChallenge string
	RedirectURI   string
	State         string
}

// Authorize parks the caller's request and returns the upstream consent
// URL. The proxy code travels through the upstream provider as its state
// parameter and comes back unmodified on the callback.
func (p *Proxy) Authorize(ctx context.Context, client *models.OAuthClient, params AuthorizeParams) (string, error) {
	if _, err := parseAbsoluteURL(params.RedirectURI); err != nil {
		return "", fmt.Errorf("invalid redirect_uri: %w", err)
	}

	code, err := p.sessions.Create(AuthorizationContext{
		CodeChallenge: params.CodeChallenge,
		ClientID:      client.ClientID,
		RedirectURI:   params.RedirectURI,
		State:         params.State,
	})
	if err != nil {
		return "", fmt.Errorf("storing authorization: %w", err)
	}

	upstreamURL := p.upstream.AuthCodeURL(code)
	if _, err := parseAbsoluteURL(upstreamURL); err != nil {
		return "", fmt.Errorf("building upstream authorization URL: %w", err)
	}

	p.metrics.RecordAuthorization(ctx, client.Placeholder)
	p.logger.Info("authorization redirected upstream",
		slog.String("client_id", client.ClientID),
		slog.Bool("placeholder_client", client.Placeholder),
	)

	return upstreamURL, nil
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute URL", raw)
	}

	return u, nil
}

// CallbackResult tells the HTTP layer where to send the user-agent after
// the upstream callback. Exactly one of Code and Error is set.
type CallbackResult struct {
	RedirectURI      string
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Callback handles the upstream redirect. proxyCode is the upstream
// state parameter. It returns ErrUnknownCode when the pending
// authorization is gone (cold start, expiry, or replay); the user must
// start again.
func (p *Proxy) Callback(ctx context.Context, proxyCode, upstreamCode, upstreamErr, upstreamErrDesc string) (result *CallbackResult, err error) {
	defer func() { p.metrics.RecordCallback(ctx, err) }()

	if proxyCode == "" {
		return nil, apperrors.ErrUnknownCode
	}

	if upstreamErr != "" || upstreamCode == "" {
		// Read-only: the store is left as it is.
		ac, err := p.sessions.Peek(proxyCode)
		if err != nil {
			return nil, err
		}

		res := &CallbackResult{
			RedirectURI:      ac.RedirectURI,
			State:            ac.State,
			Error:            upstreamErr,
			ErrorDescription: upstreamErrDesc,
		}

		if upstreamErr == "" {
			res.Error = "server_error"
			res.ErrorDescription = "upstream provider returned no authorization code"
		} else if res.ErrorDescription == "" {
			res.ErrorDescription = "upstream provider rejected the authorization"
		}

		p.logger.Warn("upstream authorization failed",
			slog.String("client_id", ac.ClientID),
			slog.String("error", res.Error),
		)

		return res, nil
	}

	if err := p.sessions.AttachUpstreamCode(proxyCode, upstreamCode); err != nil {
		p.logger.Warn("callback for unknown authorization session")
		return nil, err
	}

	ac, err := p.sessions.Peek(proxyCode)
	if err != nil {
		return nil, err
	}

	return &CallbackResult{
		RedirectURI: ac.RedirectURI,
		Code:        proxyCode,
		State:       ac.State,
	}, nil
}

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func invalidGrant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidGrant, fmt.Sprintf(format, args...))
}

// ExchangeAuthorizationCode redeems a proxy code for signed tokens. The
// code is consumed first, so it can be redeemed at most once whatever the
// outcome.
func (p *Proxy) ExchangeAuthorizationCode(ctx context.Context, client *models.OAuthClient, code, codeVerifier, redirectURI string) (resp *TokenResponse, err error) {
	ctx, span := p.metrics.StartSpan(ctx, "oauth.exchange_code",
		attribute.String(telemetry.AttrClientID, client.ClientID))
	defer func() {
		p.metrics.RecordTokenGrant(ctx, "authorization_code", err)
		telemetry.EndSpan(span, err)
	}()

	ac, err := p.sessions.Consume(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidGrant, err)
	}

	if ac.ClientID != client.ClientID {
		return nil, invalidGrant("authorization code was issued to another client")
	}

	if redirectURI != "" && redirectURI != ac.RedirectURI {
		return nil, invalidGrant("redirect_uri mismatch")
	}

	if codeVerifier == "" {
		return nil, invalidGrant("code_verifier is required")
	}

	if !verifyPKCE(codeVerifier, ac.CodeChallenge) {
		return nil, invalidGrant("PKCE verification failed")
	}

	upstream, err := p.upstream.Exchange(ctx, ac.UpstreamCode)
	if err != nil {
		p.logger.Warn("upstream code exchange failed",
			slog.String("client_id", client.ClientID),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("exchanging upstream code: %w", err)
	}

	accessToken, expiresIn, err := p.mintAccessToken(client.ClientID, upstream)
	if err != nil {
		return nil, err
	}

	refreshClaims := Claims{
		UpstreamRefreshToken: upstream.RefreshToken,
		ClientID:             client.ClientID,
		Scopes:               []string{ProxyScope},
	}
	if !client.Placeholder {
		refreshClaims.Client = client.Clone()
	}

	refreshToken, err := p.codec.Encode(refreshClaims, KindRefresh, refreshTokenTTL)
	if err != nil {
		return nil, err
	}

	p.logger.Info("authorization code exchanged",
		slog.String("client_id", client.ClientID),
		slog.Int("expires_in", expiresIn),
	)

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    expiresIn,
		RefreshToken: refreshToken,
		Scope:        ProxyScope,
	}, nil
}

func (p *Proxy) mintAccessToken(clientID string, upstream *UpstreamTokens) (string, int, error) {
	ttl := upstream.ExpiresIn
	if p.accessTokenTTL > 0 {
		ttl = p.accessTokenTTL
	}

	if ttl <= 0 {
		ttl = defaultUpstreamTTL
	}

	token, err := p.codec.Encode(Claims{
		UpstreamAccessToken:  upstream.AccessToken,
		UpstreamRefreshToken: upstream.RefreshToken,
		ClientID:             clientID,
		Scopes:               []string{ProxyScope},
	}, KindAccess, ttl)
	if err != nil {
		return "", 0, err
	}

	return token, int(ttl.Seconds()), nil
}

// ExchangeRefreshToken mints a new access token from a signed refresh
// token. The client identity is taken from the token and compared with
// the presenting client, so a reconstructed directory entry is never
// trusted on its own. When the directory entry is a placeholder, the real
// metadata embedded in the token is restored into the directory. The
// refresh token itself is returned unchanged.
func (p *Proxy) ExchangeRefreshToken(ctx context.Context, client *models.OAuthClient, refreshToken string) (resp *TokenResponse, err error) {
	ctx, span := p.metrics.StartSpan(ctx, "oauth.refresh",
		attribute.String(telemetry.AttrClientID, client.ClientID))
	defer func() {
		p.metrics.RecordTokenGrant(ctx, "refresh_token", err)
		telemetry.EndSpan(span, err)
	}()

	claims, err := p.codec.Decode(refreshToken, KindRefresh)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidGrant, err)
	}

	if claims.ClientID != client.ClientID {
		p.logger.Warn("refresh token presented by another client",
			slog.String("client_id", client.ClientID),
		)

		return nil, invalidGrant("refresh token was issued to another client")
	}

	if err := p.checkRevoked(claims.ID); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidGrant, err)
	}

	if client.Placeholder && claims.Client != nil && claims.Client.ClientID == claims.ClientID {
		if p.clients.Restore(claims.Client) {
			p.metrics.RecordDirectoryRestore(ctx)
			p.logger.Info("client directory entry restored from refresh token",
				slog.String("client_id", claims.ClientID),
			)
		}
	}

	upstream, err := p.upstream.Refresh(ctx, claims.UpstreamRefreshToken)
	if err != nil {
		p.logger.Warn("upstream refresh failed",
			slog.String("client_id", client.ClientID),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("refreshing upstream token: %w", err)
	}

	accessToken, expiresIn, err := p.mintAccessToken(claims.ClientID, upstream)
	if err != nil {
		return nil, err
	}

	p.logger.Info("access token refreshed",
		slog.String("client_id", claims.ClientID),
		slog.Int("expires_in", expiresIn),
	)

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    expiresIn,
		RefreshToken: refreshToken,
		Scope:        ProxyScope,
	}, nil
}

// AuthInfo describes a verified access token. The upstream access token
// is deliberately absent so this value is safe to log.
type AuthInfo struct {
	Token     string
	TokenID   string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// VerifyAccessToken validates a bearer token. It returns ErrTokenExpired
// for an authentic but expired token, ErrTokenRevoked for a denylisted
// one, and ErrTokenInvalid otherwise.
func (p *Proxy) VerifyAccessToken(token string) (*AuthInfo, error) {
	info, _, err := p.Authenticate(token)
	return info, err
}

// UpstreamAccessToken verifies token and returns the upstream access
// token embedded in it.
func (p *Proxy) UpstreamAccessToken(token string) (string, error) {
	_, upstream, err := p.Authenticate(token)
	return upstream, err
}

// Authenticate verifies token once and returns both its AuthInfo and the
// embedded upstream access token.
func (p *Proxy) Authenticate(token string) (*AuthInfo, string, error) {
	claims, err := p.codec.Decode(token, KindAccess)
	if err != nil {
		return nil, "", err
	}

	if err := p.checkRevoked(claims.ID); err != nil {
		return nil, "", err
	}

	if claims.UpstreamAccessToken == "" {
		return nil, "", apperrors.ErrTokenInvalid
	}

	info := &AuthInfo{
		Token:    token,
		TokenID:  claims.ID,
		ClientID: claims.ClientID,
		Scopes:   append([]string(nil), claims.Scopes...),
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}

	return info, claims.UpstreamAccessToken, nil
}

func (p *Proxy) checkRevoked(tokenID string) error {
	if p.denylist == nil || tokenID == "" {
		return nil
	}

	revoked, err := p.denylist.IsRevoked(tokenID)
	if err != nil {
		// Fail closed: an unreadable denylist must not admit a revoked token.
		return fmt.Errorf("%w: checking revocation: %v", apperrors.ErrTokenInvalid, err)
	}

	if revoked {
		return apperrors.ErrTokenRevoked
	}

	return nil
}

// Revoke handles an RFC 7009 revocation request. Without a denylist this
// is a no-op: a signed token stays valid until it expires. With one, the
// token id is recorded until the token's own expiry. Unknown, invalid, or
// expired tokens are ignored, as RFC 7009 requires.
func (p *Proxy) Revoke(ctx context.Context, token, hint string) {
	if p.denylist == nil {
		p.logger.Debug("revocation requested without a denylist, ignoring")
		return
	}

	kinds := []TokenKind{KindAccess, KindRefresh}
	if strings.EqualFold(hint, "refresh_token") {
		kinds = []TokenKind{KindRefresh, KindAccess}
	}

	for _, kind := range kinds {
		claims, err := p.codec.Decode(token, kind)
		if err != nil {
			continue
		}

		if claims.ID == "" || claims.ExpiresAt == nil {
			return
		}

		if err := p.denylist.Revoke(claims.ID, claims.ExpiresAt.Time); err != nil {
			p.logger.Error("recording revocation failed", slog.String("error", err.Error()))
			return
		}

		p.logger.Info("token revoked",
			slog.String("client_id", claims.ClientID),
			slog.String("kind", string(kind)),
		)

		return
	}
}

// verifyPKCE checks that SHA256(verifier) matches the challenge (S256 method).
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// IsUserCorrectable reports whether err means the user should simply
// restart the authorization flow.
func IsUserCorrectable(err error) bool {
	return errors.Is(err, apperrors.ErrUnknownCode) ||
		errors.Is(err, apperrors.ErrUpstreamCodeMissing) ||
		errors.Is(err, apperrors.ErrInvalidGrant)
}
