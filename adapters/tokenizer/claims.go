package tokenizer

import "github.com/golang-jwt/jwt/v5"

// AccessClaims are the claims of an access token
type AccessClaims struct {
	jwt.RegisteredClaims
}
