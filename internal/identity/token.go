package identity

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var opaqueTokenPattern = regexp.MustCompile(`^sct_[A-Za-z0-9_-]+_\d{10}$`)

// ErrMalformedToken indicates a protected token string isn't the expected
// sct_<body>_<unix-seconds> shape.
var ErrMalformedToken = errors.New("malformed protected token")

// ProtectedToken is the opaque value agents pass as auth_token. Its
// external serialization is the literal sct_<body>_<unix-seconds> string;
// authority always derives from the server-side secure_tokens row looked
// up by the body's hash, never from the embedded timestamp.
type ProtectedToken struct {
	Body      string
	CreatedAt time.Time
}

// String renders the external sct_<body>_<unix-seconds> form.
func (t ProtectedToken) String() string {
	return fmt.Sprintf("sct_%s_%d", t.Body, t.CreatedAt.Unix())
}

// ParseProtectedToken validates the wire format and extracts the body used
// for hash lookup. The embedded timestamp is informational only.
func ParseProtectedToken(s string) (ProtectedToken, error) {
	if !opaqueTokenPattern.MatchString(s) {
		return ProtectedToken{}, ErrMalformedToken
	}
	rest := s[len("sct_"):]
	underscoreIdx := lastIndexByte(rest, '_')
	if underscoreIdx < 0 {
		return ProtectedToken{}, ErrMalformedToken
	}
	body := rest[:underscoreIdx]
	sec := rest[underscoreIdx+1:]
	var unixSeconds int64
	if _, err := fmt.Sscanf(sec, "%d", &unixSeconds); err != nil {
		return ProtectedToken{}, ErrMalformedToken
	}
	return ProtectedToken{Body: body, CreatedAt: time.Unix(unixSeconds, 0).UTC()}, nil
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
