package generates

import (
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// Opaque returns an opaque token derived from a random UUID and the given
// seed. Output is upper-cased unpadded base64url.
func Opaque(seed string) string {
	t := uuid.NewSHA1(uuid.Must(uuid.NewRandom()), []byte(seed)).String()
	s := base64.URLEncoding.EncodeToString([]byte(t))
	return strings.ToUpper(strings.TrimRight(s, "="))
}

// AuthorizationCode returns a fresh single-use authorization code.
func AuthorizationCode(clientID string) string {
	return Opaque(clientID)
}

// RefreshToken returns a fresh refresh token bound to the access token text.
func RefreshToken(access string) string {
	return Opaque(access)
}

// AuthReqID returns a backchannel authentication request identifier.
func AuthReqID() string {
	return Opaque(uuid.NewString())
}

// DeviceCode returns a device verification code.
func DeviceCode() string {
	return Opaque(uuid.NewString())
}

// UserCode returns a short code the end user types on the verification page.
// Eight characters from a confusion-resistant alphabet, dash in the middle.
func UserCode() string {
	const alphabet = "BCDFGHJKLMNPQRSTVWXZ"
	id := uuid.New()
	var b strings.Builder
	for i := 0; i < 8; i++ {
		if i == 4 {
			b.WriteByte('-')
		}
		b.WriteByte(alphabet[int(id[i])%len(alphabet)])
	}
	return b.String()
}
