package reflow

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// renew the bearer token this long before it expires
const TokenExpiryMargin = 59 * time.Second

type BearerToken struct {
	Token     string
	ExpiresAt time.Time
	Subject   string
}

// decodes the claims without verifying the signature.
// The client cannot verify the token, verification is the server's job.
func ParseBearerTokenUnverified(token string) (*BearerToken, error) {
	claims := gojwt.MapClaims{}
	_, _, err := gojwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return nil, err
	}

	bearerToken := &BearerToken{
		Token: token,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		bearerToken.ExpiresAt = exp.Time
	}
	if subject, err := claims.GetSubject(); err == nil {
		bearerToken.Subject = subject
	}
	return bearerToken, nil
}

// a token without an `exp` claim never needs renewal
func (self *BearerToken) NeedsRenewal(now time.Time) bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(TokenExpiryMargin).Before(self.ExpiresAt)
}
