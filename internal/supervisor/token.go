package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tagtrace.org/internal/station"
)

const defaultIssuer = "tagtrace"

type grantClaims struct {
	SupplierCode string `json:"sup"`
	PlantCode    string `json:"plt"`
	StationCode  string `json:"stn"`
	jwt.RegisteredClaims
}

// TokenCodec signs grants into compact HS256 tokens handed back to the
// terminal after supervisor-login, and decodes them on later calls.
type TokenCodec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenCodec constructs a codec. The secret must be at least 16 bytes.
func NewTokenCodec(secret, issuer string, now func() time.Time) (*TokenCodec, error) {
	if len(strings.TrimSpace(secret)) < 16 {
		return nil, errors.New("supervisor: token secret must be at least 16 characters")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	if now == nil {
		now = time.Now
	}
	return &TokenCodec{secret: []byte(secret), issuer: issuer, now: now}, nil
}

// Encode signs g.
func (c *TokenCodec) Encode(g Grant) (string, error) {
	if err := g.WellFormed(); err != nil {
		return "", err
	}
	claims := grantClaims{
		SupplierCode: g.Scope.SupplierCode,
		PlantCode:    g.Scope.PlantCode,
		StationCode:  g.Scope.StationCode,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        g.ID,
			Subject:   g.UserID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(g.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(g.ExpiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("supervisor: sign grant: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and expiry of a token and returns its grant.
func (c *TokenCodec) Decode(raw string) (Grant, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Grant{}, fmt.Errorf("%w: empty token", ErrMalformedGrant)
	}
	claims := &grantClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Grant{}, ErrGrantExpired
		}
		return Grant{}, fmt.Errorf("%w: %v", ErrMalformedGrant, err)
	}
	g := Grant{
		ID:     claims.ID,
		UserID: claims.Subject,
		Scope: station.Scope{
			SupplierCode: claims.SupplierCode,
			PlantCode:    claims.PlantCode,
			StationCode:  claims.StationCode,
		},
	}
	if claims.IssuedAt != nil {
		g.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		g.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	if err := g.WellFormed(); err != nil {
		return Grant{}, err
	}
	return g, nil
}
