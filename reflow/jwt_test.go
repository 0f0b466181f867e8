package reflow

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func testToken(t *testing.T, claims gojwt.MapClaims) string {
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("not the server secret"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestParseBearerToken(t *testing.T) {
	expiresAt := time.Unix(time.Now().Unix()+3600, 0)
	token := testToken(t, gojwt.MapClaims{
		"sub": "42",
		"exp": expiresAt.Unix(),
	})

	bearerToken, err := ParseBearerTokenUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, bearerToken.Subject, "42")
	assert.Equal(t, bearerToken.ExpiresAt.Unix(), expiresAt.Unix())

	assert.Equal(t, bearerToken.NeedsRenewal(expiresAt.Add(-time.Hour)), false)
	assert.Equal(t, bearerToken.NeedsRenewal(expiresAt.Add(-60*time.Second)), false)
	assert.Equal(t, bearerToken.NeedsRenewal(expiresAt.Add(-TokenExpiryMargin)), true)
	assert.Equal(t, bearerToken.NeedsRenewal(expiresAt.Add(time.Second)), true)

	_, err = ParseBearerTokenUnverified("not a token")
	assert.NotEqual(t, err, nil)
}

func TestBearerTokenWithoutExpiry(t *testing.T) {
	bearerToken, err := ParseBearerTokenUnverified(testToken(t, gojwt.MapClaims{"sub": "1"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, bearerToken.ExpiresAt.IsZero(), true)
	assert.Equal(t, bearerToken.NeedsRenewal(time.Now().Add(100*365*24*time.Hour)), false)
}
