// Package drawkey handles draw key parsing and validation.
// A draw key names one provider's draw on one date: {PROVIDER}-{YYYYMMDD}.
package drawkey

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const dateLayout = "20060102"

// keyRegex matches: {PROVIDER}-{YYYYMMDD}
// Example: MAGNUM-20261017
var keyRegex = regexp.MustCompile(`^([A-Z][A-Z0-9_]*)-(\d{8})$`)

var (
	ErrInvalidKey      = errors.New("drawkey: invalid draw key format")
	ErrInvalidProvider = errors.New("drawkey: unsupported provider")
	ErrInvalidDate     = errors.New("drawkey: invalid draw date")
)

// Key is a parsed draw key.
type Key struct {
	Provider string    `json:"provider"`
	Date     time.Time `json:"date"`
}

// String formats the key as PROVIDER-YYYYMMDD.
func (k Key) String() string {
	return Format(k.Provider, k.Date.Format(dateLayout))
}

// DateString returns the draw date as YYYYMMDD.
func (k Key) DateString() string {
	return k.Date.Format(dateLayout)
}

// Format joins a provider and a YYYYMMDD date into a draw key.
func Format(provider, date string) string {
	return provider + "-" + date
}

// Parse parses a draw key without checking the provider whitelist.
func Parse(key string) (Key, error) {
	m := keyRegex.FindStringSubmatch(key)
	if m == nil {
		return Key{}, fmt.Errorf("%w: %s (expected {PROVIDER}-{YYYYMMDD})", ErrInvalidKey, key)
	}
	date, err := ParseDate(m[2])
	if err != nil {
		return Key{}, err
	}
	return Key{Provider: m[1], Date: date}, nil
}

// ParseDate validates a YYYYMMDD draw date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidDate, s)
	}
	return t, nil
}

// Providers is the set of draw providers accepted for bets and results.
type Providers struct {
	known map[string]bool
	order []string
}

// NewProviders builds a provider whitelist. Names are upper-cased.
func NewProviders(names ...string) *Providers {
	p := &Providers{known: make(map[string]bool, len(names))}
	for _, n := range names {
		n = strings.ToUpper(strings.TrimSpace(n))
		if n == "" || p.known[n] {
			continue
		}
		p.known[n] = true
		p.order = append(p.order, n)
	}
	return p
}

// Names returns the providers in configuration order.
func (p *Providers) Names() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Validate checks that every provider is known and that none repeats.
// It returns the normalized (upper-cased) names.
func (p *Providers) Validate(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: at least one provider is required", ErrInvalidProvider)
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToUpper(strings.TrimSpace(n))
		if !p.known[n] {
			return nil, fmt.Errorf("%w: %q", ErrInvalidProvider, n)
		}
		if seen[n] {
			return nil, fmt.Errorf("%w: %q listed twice", ErrInvalidProvider, n)
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

// ParseKnown parses a key and checks its provider against the whitelist.
func (p *Providers) ParseKnown(key string) (Key, error) {
	k, err := Parse(key)
	if err != nil {
		return Key{}, err
	}
	if !p.known[k.Provider] {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidProvider, k.Provider)
	}
	return k, nil
}
