/**
 * @description
 * HS256 tokens issued by the billing service. Company access tokens authenticate the public
 * API; callback tokens are embedded in the URL a processor notifies and bind that URL to one
 * company and its callback key.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token signing and verification.
 */
package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
)

const (
	tokenUseAccess   = "access"
	tokenUseCallback = "callback"
	tokenIssuer      = "billing-service"
)

var errInvalidToken = errors.New("invalid token")

type billingClaims struct {
	CompanyID   string `json:"company_id"`
	Use         string `json:"use"`
	CallbackKey string `json:"cbk,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies company tokens with a shared secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

// NewTokens returns a token issuer. A zero ttl issues access tokens without expiry.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl}
}

func (t *Tokens) sign(claims billingClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// IssueAccessToken returns a bearer token scoped to one company.
func (t *Tokens) IssueAccessToken(companyID uuid.UUID, now time.Time) (string, error) {
	claims := billingClaims{
		CompanyID: companyID.String(),
		Use:       tokenUseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  companyID.String(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if t.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}
	return t.sign(claims)
}

// IssueCallbackToken returns the path token for a company's processor callback URL.
func (t *Tokens) IssueCallbackToken(company domain.Company) (string, error) {
	return t.sign(billingClaims{
		CompanyID:   company.ID.String(),
		Use:         tokenUseCallback,
		CallbackKey: company.CallbackKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  tokenIssuer,
			Subject: company.ID.String(),
		},
	})
}

func (t *Tokens) parse(raw, use string) (*billingClaims, error) {
	claims := &billingClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !token.Valid || claims.Use != use {
		return nil, errInvalidToken
	}
	return claims, nil
}

// ParseAccessToken returns the company an access token is scoped to.
func (t *Tokens) ParseAccessToken(raw string) (uuid.UUID, error) {
	claims, err := t.parse(raw, tokenUseAccess)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(claims.CompanyID)
	if err != nil {
		return uuid.Nil, errInvalidToken
	}
	return id, nil
}

// ParseCallbackToken returns the company a callback token was issued for.
func (t *Tokens) ParseCallbackToken(raw string) (uuid.UUID, string, error) {
	claims, err := t.parse(raw, tokenUseCallback)
	if err != nil {
		return uuid.Nil, "", err
	}
	id, err := uuid.Parse(claims.CompanyID)
	if err != nil {
		return uuid.Nil, "", errInvalidToken
	}
	return id, claims.CallbackKey, nil
}

// CallbackKeyMatches compares the key carried by a callback token with the stored one.
func CallbackKeyMatches(company domain.Company, key string) bool {
	return subtle.ConstantTimeCompare([]byte(company.CallbackKey), []byte(key)) == 1
}
