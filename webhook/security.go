// Package webhook implements the outbound notification surface: the
// subscription registry, payload signing, and the delivery engine.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/exquy/txrecover/core"
)

// Header names on every outbound delivery.
const (
	HeaderSignature  = "X-Webhook-Signature"
	HeaderWebhookID  = "X-Webhook-ID"
	HeaderDeliveryID = "X-Delivery-ID"
	HeaderEventType  = "X-Event-Type"
	HeaderTimestamp  = "X-Webhook-Timestamp"
)

// callbackURLPattern accepts HTTPS endpoints only.
var callbackURLPattern = regexp.MustCompile(`^https://[\w.-]+(:\d+)?(/[\w\-./?%&=]*)?$`)

// loopbackHosts are rejected outright: a subscriber must be reachable from
// outside the delivery host.
var loopbackHosts = []string{"localhost", "127.0.0.1", "::1"}

// SecurityService provides secret generation and storage, payload signing,
// and callback URL policy.
type SecurityService struct {
	algorithm string
}

// NewSecurityService builds a security service for the configured HMAC
// algorithm ("HmacSHA256" or "HmacSHA512").
func NewSecurityService(algorithm string) (*SecurityService, error) {
	switch algorithm {
	case "", "HmacSHA256", "HmacSHA512":
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q: %w", algorithm, core.ErrInvalidConfiguration)
	}
	if algorithm == "" {
		algorithm = "HmacSHA256"
	}
	return &SecurityService{algorithm: algorithm}, nil
}

// Algorithm returns the configured HMAC algorithm name.
func (s *SecurityService) Algorithm() string { return s.algorithm }

func (s *SecurityService) newHash() func() hash.Hash {
	if s.algorithm == "HmacSHA512" {
		return sha512.New
	}
	return sha256.New
}

// GenerateSecret returns a fresh 32-byte secret, base64url without padding.
// The plaintext is returned to the subscriber exactly once; only its hash
// is stored.
func (s *SecurityService) GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecret hashes a plaintext secret for storage at rest.
func (s *SecurityService) HashSecret(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifySecret compares a presented plaintext against the stored hash.
func (s *SecurityService) VerifySecret(plain, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}

// Sign computes the HMAC of the payload with the subscription secret and
// returns it base64-encoded.
func (s *SecurityService) Sign(payload []byte, secret string) string {
	mac := hmac.New(s.newHash(), []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the signature and compares in constant time.
func (s *SecurityService) VerifySignature(payload []byte, signature, secret string) bool {
	expected := s.Sign(payload, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// ReplayHeader builds the anti-replay header value: t=<unix-millis>,n=<nonce>.
func (s *SecurityService) ReplayHeader(now time.Time) string {
	return fmt.Sprintf("t=%d,n=%s", now.UnixMilli(), uuid.New().String())
}

// ParseReplayHeader extracts the timestamp and nonce from a replay header.
func ParseReplayHeader(value string) (time.Time, string, error) {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "t=") || !strings.HasPrefix(parts[1], "n=") {
		return time.Time{}, "", fmt.Errorf("malformed replay header %q: %w", value, core.ErrValidation)
	}
	millis, err := strconv.ParseInt(strings.TrimPrefix(parts[0], "t="), 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed replay timestamp: %w", core.ErrValidation)
	}
	nonce := strings.TrimPrefix(parts[1], "n=")
	if nonce == "" {
		return time.Time{}, "", fmt.Errorf("empty replay nonce: %w", core.ErrValidation)
	}
	return time.UnixMilli(millis).UTC(), nonce, nil
}

// ValidateCallbackURL enforces the endpoint policy: HTTPS, a well-formed
// host, and never loopback.
func (s *SecurityService) ValidateCallbackURL(rawURL string) error {
	if !callbackURLPattern.MatchString(rawURL) {
		return fmt.Errorf("callback URL must be a valid https endpoint: %w", core.ErrInvalidCallbackURL)
	}
	lower := strings.ToLower(rawURL)
	for _, host := range loopbackHosts {
		if strings.Contains(lower, host) {
			return fmt.Errorf("callback URL must not target loopback: %w", core.ErrInvalidCallbackURL)
		}
	}
	return nil
}
