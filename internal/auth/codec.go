package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/freeagent-mcp/internal/errors"
	"github.com/alexjbarnes/freeagent-mcp/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

const (
	// MinSigningSecretLen is the minimum configured signing secret length
	// in bytes. HS256 keys shorter than the hash output weaken the MAC.
	MinSigningSecretLen = 32

	// signingKeyLen is the length of each HKDF-derived per-kind key.
	signingKeyLen = 32

	// tokenIDBytes is the number of random bytes in a token's jti.
	tokenIDBytes = 16
)

// Claims is the payload of a signed proxy token. The upstream tokens live
// only here: the proxy never stores them anywhere else.
type Claims struct {
	jwt.RegisteredClaims

	UpstreamAccessToken  string    `json:"uat,omitempty"`
	UpstreamRefreshToken string    `json:"urt,omitempty"`
	ClientID             string    `json:"cid"`
	Scopes               []string  `json:"scp,omitempty"`
	Kind                 TokenKind `json:"knd"`

	// Client is the owning client's registration metadata, embedded in
	// refresh tokens so a refresh can rebuild a lost directory entry.
	Client *models.OAuthClient `json:"cli,omitempty"`
}

// Codec signs and verifies proxy tokens. Access and refresh tokens are
// signed with different keys derived from the same secret, so a token of
// one kind never verifies as the other.
type Codec struct {
	accessKey  []byte
	refreshKey []byte
	now        func() time.Time
}

// NewCodec derives the per-kind signing keys from secret.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty signing secret", apperrors.ErrConfiguration)
	}

	accessKey, err := deriveKey(secret, "freeagent-mcp access token")
	if err != nil {
		return nil, err
	}

	refreshKey, err := deriveKey(secret, "freeagent-mcp refresh token")
	if err != nil {
		return nil, err
	}

	return &Codec{
		accessKey:  accessKey,
		refreshKey: refreshKey,
		now:        time.Now,
	}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, signingKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", info, err)
	}

	return key, nil
}

func (c *Codec) key(kind TokenKind) ([]byte, error) {
	switch kind {
	case KindAccess:
		return c.accessKey, nil
	case KindRefresh:
		return c.refreshKey, nil
	default:
		return nil, fmt.Errorf("unknown token kind %q", kind)
	}
}

// Encode signs claims as a token of the given kind valid for ttl. The
// registered claims (iat, exp, jti) are overwritten.
func (c *Codec) Encode(claims Claims, kind TokenKind, ttl time.Duration) (string, error) {
	key, err := c.key(kind)
	if err != nil {
		return "", err
	}

	now := c.now()
	claims.Kind = kind
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        RandomHex(tokenIDBytes),
		Subject:   claims.ClientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", kind, err)
	}

	return signed, nil
}

// Decode verifies the token's signature, expiry, and kind. It returns
// ErrTokenExpired when the token is authentic but past its expiry, and
// ErrTokenInvalid for any other failure.
func (c *Codec) Decode(token string, kind TokenKind) (*Claims, error) {
	key, err := c.key(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTokenInvalid, err)
	}

	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.ErrTokenExpired
		}

		return nil, fmt.Errorf("%w: %v", apperrors.ErrTokenInvalid, err)
	}

	if !parsed.Valid || claims.Kind != kind {
		return nil, apperrors.ErrTokenInvalid
	}

	return claims, nil
}

// ResolveSigningSecret returns the configured secret, or a random
// per-process secret when none is configured. A generated secret makes
// every token unverifiable after a restart or on another instance, so a
// warning is logged.
func ResolveSigningSecret(configured string, logger *slog.Logger) ([]byte, error) {
	if configured != "" {
		if len(configured) < MinSigningSecretLen {
			return nil, fmt.Errorf("%w: JWT_SECRET must be at least %d bytes", apperrors.ErrConfiguration, MinSigningSecretLen)
		}

		return []byte(configured), nil
	}

	secret := make([]byte, MinSigningSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating signing secret: %w", err)
	}

	logger.Warn("JWT_SECRET not set, using a random signing secret; tokens will not be valid across restarts or instances")

	return secret, nil
}
