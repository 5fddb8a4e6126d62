package ingress

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenValidator checks the bearer token on ingress requests. The token's
// sub claim carries the device id.
type TokenValidator struct {
	secret []byte
}

func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret)}
}

// Validate returns the authenticated device id and http.StatusOK, or zero
// and the status to respond with: 401 for a missing or malformed
// Authorization header, 403 for a token that fails verification or
// carries an unusable subject.
func (v *TokenValidator) Validate(r *http.Request) (int64, int) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return 0, http.StatusUnauthorized
	}

	scheme, tokenStr, found := strings.Cut(auth, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || tokenStr == "" {
		return 0, http.StatusUnauthorized
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, http.StatusForbidden
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return 0, http.StatusForbidden
	}

	deviceID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, http.StatusForbidden
	}

	return deviceID, http.StatusOK
}
