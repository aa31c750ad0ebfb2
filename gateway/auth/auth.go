// Package auth authenticates gateway clients and maps roles to permissions.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/lisa-ai/lisa/gateway/config"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrMissingToken   = errors.New("missing token")
	ErrMalformedToken = errors.New("malformed token")
	ErrTokenExpired   = errors.New("token expired")
)

// Mode selects how tokens are checked.
type Mode string

const (
	ModeNone  Mode = "none"
	ModeToken Mode = "token"
	ModeJWT   Mode = "jwt"
)

// Identity is the result of a successful authentication.
type Identity struct {
	UserID string
	Role   Role
}

// Authenticator validates client credentials for a single mode.
type Authenticator struct {
	mode      Mode
	secret    []byte
	hashed    bool // secret is a bcrypt hash
	tokenRole Role
	issuer    string
	jwks      keyfunc.Keyfunc
}

// New creates an Authenticator from configuration. In jwt mode with a
// jwks_url the key set is fetched and refreshed in the background.
func New(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{
		mode:      Mode(cfg.Mode),
		secret:    []byte(cfg.Secret),
		hashed:    isBcryptHash(cfg.Secret),
		tokenRole: ParseRole(cfg.TokenRole),
		issuer:    cfg.Issuer,
	}
	switch a.mode {
	case ModeNone, ModeToken:
	case ModeJWT:
		if cfg.JWKSURL != "" {
			jwks, err := keyfunc.NewDefault([]string{cfg.JWKSURL})
			if err != nil {
				return nil, fmt.Errorf("fetch JWKS from %s: %w", cfg.JWKSURL, err)
			}
			a.jwks = jwks
		} else if len(a.secret) == 0 {
			return nil, fmt.Errorf("jwt mode requires a secret or a JWKS URL")
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
	return a, nil
}

// Mode returns the configured mode.
func (a *Authenticator) Mode() Mode { return a.mode }

// Authenticate validates token and resolves the caller's identity.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	switch a.mode {
	case ModeNone:
		return &Identity{Role: RoleAdmin}, nil
	case ModeToken:
		return a.checkSharedToken(token)
	case ModeJWT:
		return a.checkJWT(ctx, token)
	}
	return nil, ErrUnauthorized
}

func (a *Authenticator) checkSharedToken(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if a.hashed {
		if err := bcrypt.CompareHashAndPassword(a.secret, []byte(token)); err != nil {
			return nil, ErrUnauthorized
		}
	} else if subtle.ConstantTimeCompare(a.secret, []byte(token)) != 1 {
		return nil, ErrUnauthorized
	}
	return &Identity{Role: a.tokenRole}, nil
}

func (a *Authenticator) checkJWT(ctx context.Context, tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	if strings.Count(tokenStr, ".") != 2 {
		return nil, ErrMalformedToken
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var kf jwt.Keyfunc
	if a.jwks != nil {
		kf = a.jwks.KeyfuncCtx(ctx)
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		kf = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		}
	}

	token, err := jwt.Parse(tokenStr, kf, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformedToken
		}
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	userID := claimStr(claims, "sub")
	if userID == "" {
		userID = claimStr(claims, "userId")
	}
	return &Identity{
		UserID: userID,
		Role:   ParseRole(claimStr(claims, "role")),
	}, nil
}

// HashSecret bcrypt-hashes a shared token for storage in auth.secret.
func HashSecret(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
