package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time so timeout and anomaly rules are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a test Clock whose time only moves when told to.
type ManualClock struct {
	Current time.Time
}

func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{Current: t}
}

func (c *ManualClock) Now() time.Time { return c.Current }

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) { c.Current = c.Current.Add(d) }

// IDGenerator produces the identifiers used across the service.
type IDGenerator struct {
	clock Clock
}

func NewIDGenerator(clock Clock) *IDGenerator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &IDGenerator{clock: clock}
}

// NewID returns a random v4 UUID.
func (g *IDGenerator) NewID() uuid.UUID {
	return uuid.New()
}

// ParseID validates and parses a caller-supplied identifier.
func (g *IDGenerator) ParseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid identifier %q: %w", s, ErrValidation)
	}
	return id, nil
}

// TimeBasedID returns a sortable identifier of the form
// YYYYMMDDHHMMSS-<6 hex chars>, used for report and archive names.
func (g *IDGenerator) TimeBasedID() string {
	suffix, err := RandomHex(3)
	if err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// fall back to the UUID source rather than panic.
		suffix = uuid.New().String()[:6]
	}
	return g.clock.Now().Format("20060102150405") + "-" + suffix
}

// ShortID returns the first 8 hex characters of a fresh v4 UUID.
func (g *IDGenerator) ShortID() string {
	return uuid.New().String()[:8]
}

// RandomHex returns 2n hex characters from n random bytes.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
