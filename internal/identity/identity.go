// Package identity manages agent-ID claims backed by HMAC-signed
// certificates. A certificate is the sole proof of identity an agent can
// present when reconnecting under a previously claimed ID.
package identity

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/clock"
)

// DefaultTTL is the certificate lifetime unless configured otherwise.
const DefaultTTL = 24 * time.Hour

// secretSize is the HMAC key length in bytes.
const secretSize = 32

// Validation failures expose only these three categories at the wire
// boundary; no further detail about why a certificate is bad ever leaks.
var (
	ErrUnknownIdentity    = errors.New("unknown identity")
	ErrExpiredCertificate = errors.New("expired certificate")
	ErrSignatureMismatch  = errors.New("certificate signature mismatch")

	// ErrAgentIDClaimed is returned by Claim when the ID is taken and
	// force is false.
	ErrAgentIDClaimed = errors.New("agent id already claimed")
)

// Certificate binds an agent ID to a validity window. The five fields below
// are the complete on-disk format; readers reject unknown fields.
//
// Timestamps are unix nanoseconds: issuance must be unique per ID so that a
// force re-claim never reproduces an earlier certificate's signed form.
type Certificate struct {
	AgentID         string `json:"agent_id"`
	IssuedAt        int64  `json:"issued_at"`  // unix nanoseconds
	ExpiresAt       int64  `json:"expires_at"` // unix nanoseconds
	CertificateHash string `json:"certificate_hash"`
	Signature       string `json:"signature"`
}

// canonical returns the canonical JSON form signed and hashed: the three
// identity fields with keys in sorted order. Field order in the struct
// below is the sorted key order, which encoding/json preserves.
func canonical(agentID string, issuedAt, expiresAt int64) []byte {
	form := struct {
		AgentID   string `json:"agent_id"`
		ExpiresAt int64  `json:"expires_at"`
		IssuedAt  int64  `json:"issued_at"`
	}{agentID, expiresAt, issuedAt}
	data, _ := json.Marshal(form)
	return data
}

// Manager issues, validates, and expires certificates. Safe for concurrent
// use; all state is guarded by a single mutex.
type Manager struct {
	mu     sync.Mutex
	secret []byte
	ttl    time.Duration
	clk    clock.Clock
	certs  map[string]*Certificate // agent_id -> current certificate
}

// Option configures a Manager.
type Option func(*Manager)

// WithSecret supplies the HMAC secret instead of generating one.
func WithSecret(secret []byte) Option {
	return func(m *Manager) { m.secret = secret }
}

// WithTTL overrides the default certificate lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock injects a clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clk = clk }
}

// NewManager creates a Manager. Unless supplied, the secret is 32 random
// bytes generated at service start.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		ttl:   DefaultTTL,
		clk:   clock.Real{},
		certs: make(map[string]*Certificate),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.secret == nil {
		m.secret = make([]byte, secretSize)
		if _, err := rand.Read(m.secret); err != nil {
			return nil, fmt.Errorf("generate identity secret: %w", err)
		}
	}
	if len(m.secret) < secretSize {
		return nil, fmt.Errorf("identity secret too short: %d bytes", len(m.secret))
	}
	return m, nil
}

// TTL returns the configured certificate lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Claim issues a certificate for agentID. If the ID is already claimed and
// force is false, it returns ErrAgentIDClaimed. With force, any prior
// certificate is discarded and immediately stops validating.
func (m *Manager) Claim(agentID string, force bool) (*Certificate, error) {
	if agentID == "" {
		return nil, errors.New("empty agent id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	if _, claimed := m.certs[agentID]; claimed && !force {
		return nil, ErrAgentIDClaimed
	}

	now := m.clk.Now()
	issuedAt := now.UnixNano()
	// Strictly increasing per ID: a re-claim on a frozen or coarse clock
	// must still produce a distinct canonical form, or the superseded
	// certificate would keep validating.
	if prior, ok := m.certs[agentID]; ok && issuedAt <= prior.IssuedAt {
		issuedAt = prior.IssuedAt + 1
	}
	cert := &Certificate{
		AgentID:   agentID,
		IssuedAt:  issuedAt,
		ExpiresAt: now.Add(m.ttl).UnixNano(),
	}
	form := canonical(cert.AgentID, cert.IssuedAt, cert.ExpiresAt)
	cert.Signature = m.sign(form)
	sum := sha256.Sum256(form)
	cert.CertificateHash = hex.EncodeToString(sum[:])

	m.certs[agentID] = cert
	cp := *cert
	return &cp, nil
}

// Validate checks a presented certificate against the stored claim.
// The signature comparison is constant-time.
func (m *Manager) Validate(cert *Certificate) error {
	if cert == nil {
		return ErrUnknownIdentity
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	stored, ok := m.certs[cert.AgentID]
	if !ok {
		return ErrUnknownIdentity
	}
	if m.clk.Now().UnixNano() >= cert.ExpiresAt {
		return ErrExpiredCertificate
	}

	form := canonical(cert.AgentID, cert.IssuedAt, cert.ExpiresAt)
	wantSig := m.sign(form)
	sum := sha256.Sum256(form)
	wantHash := hex.EncodeToString(sum[:])

	if !hmac.Equal([]byte(cert.Signature), []byte(wantSig)) {
		return ErrSignatureMismatch
	}
	if cert.CertificateHash != wantHash {
		return ErrSignatureMismatch
	}
	// The presented cert must be the one currently on record; a force
	// re-claim invalidates every earlier certificate for the ID.
	if !hmac.Equal([]byte(cert.Signature), []byte(stored.Signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Release removes the claim on agentID. Idempotent.
func (m *Manager) Release(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.certs, agentID)
}

// IsClaimed reports whether agentID currently has a live certificate.
func (m *Manager) IsClaimed(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	_, ok := m.certs[agentID]
	return ok
}

// Get returns a copy of the current certificate for agentID, if any.
func (m *Manager) Get(agentID string) (*Certificate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	cert, ok := m.certs[agentID]
	if !ok {
		return nil, false
	}
	cp := *cert
	return &cp, true
}

// Sweep removes expired certificates. Invoked lazily on every query and on
// a coarse timer (TTL/10) by the owning service.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
}

func (m *Manager) sweepLocked() {
	now := m.clk.Now().UnixNano()
	for id, cert := range m.certs {
		if now >= cert.ExpiresAt {
			delete(m.certs, id)
		}
	}
}

func (m *Manager) sign(form []byte) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(form)
	return hex.EncodeToString(mac.Sum(nil))
}

// ---------------------------------------------------------------------------
// On-disk certificate cache (client side)
// ---------------------------------------------------------------------------

// LoadCertificate reads a certificate from disk. The file must contain
// exactly the five certificate fields; unknown fields are rejected.
func LoadCertificate(path string) (*Certificate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	var cert Certificate
	if err := dec.Decode(&cert); err != nil {
		return nil, fmt.Errorf("parse certificate %s: %w", path, err)
	}
	return &cert, nil
}

// ParseCertificate decodes a certificate from JSON with the same strictness
// as LoadCertificate.
func ParseCertificate(data []byte) (*Certificate, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cert Certificate
	if err := dec.Decode(&cert); err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &cert, nil
}

// SaveCertificate writes a certificate to disk as a bare JSON object,
// readable only by the owner.
func SaveCertificate(path string, cert *Certificate) error {
	data, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("marshal certificate: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
