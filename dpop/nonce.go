package dpop

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

// DefaultNonceWindow is the lifetime of one nonce window
const DefaultNonceWindow = 5 * time.Minute

// NonceIssuer issues stateless server nonces: the HMAC of the current time
// window. Nonces from the current and the previous window are accepted, so
// replicas sharing the secret agree without shared state.
type NonceIssuer struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

// NewNonceIssuer creates an issuer. An empty secret generates a random one,
// which is only suitable for a single instance.
func NewNonceIssuer(secret []byte, window time.Duration) (*NonceIssuer, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate nonce secret: %w", err)
		}
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("nonce secret must be at least 32 bytes, got %d", len(secret))
	}
	if window <= 0 {
		window = DefaultNonceWindow
	}
	return &NonceIssuer{secret: secret, window: window, now: time.Now}, nil
}

// Issue returns the nonce of the current window
func (n *NonceIssuer) Issue() string {
	return n.nonceFor(n.windowAt(n.now()))
}

// Valid reports whether nonce belongs to the current or previous window
func (n *NonceIssuer) Valid(nonce string) bool {
	if nonce == "" {
		return false
	}
	current := n.windowAt(n.now())
	for _, w := range []int64{current, current - 1} {
		if hmac.Equal([]byte(nonce), []byte(n.nonceFor(w))) {
			return true
		}
	}
	return false
}

func (n *NonceIssuer) windowAt(t time.Time) int64 {
	return t.UnixNano() / int64(n.window)
}

func (n *NonceIssuer) nonceFor(window int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(window))
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(buf[:])
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
