package authorize

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE code challenge methods.
const (
	CodeChallengePlain = "plain"
	CodeChallengeS256  = "S256"
)

// VerifyCodeChallenge reports whether verifier satisfies the stored challenge.
// No challenge and no verifier means the exchange did not use PKCE and is
// accepted; a challenge without a matching verifier (or the reverse) fails.
func VerifyCodeChallenge(challenge, method, verifier string) bool {
	if challenge == "" && verifier == "" {
		return true
	}
	switch method {
	case CodeChallengeS256:
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case CodeChallengePlain, "":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	}
	return false
}
