// Package secretsvc detects credential-shaped substrings in observed text
// and stores them encrypted at rest, returning an opaque reference the
// rest of the system can pass around instead of the plaintext secret.
package secretsvc

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ciriscore/agentcore/internal/clock"
	"github.com/ciriscore/agentcore/internal/security"
)

// Detector finds secret-shaped substrings. It is grounded on the same
// pattern set the scrubber uses for log redaction, reused here for
// detection rather than in-place replacement.
type Detector struct {
	scrubber *security.Scrubber
}

// NewDetector creates a Detector using the default pattern set.
func NewDetector() *Detector {
	return &Detector{scrubber: security.NewScrubber()}
}

// Redact returns text with every detected secret replaced inline, for
// inclusion in logs or task content (spec.md §4.3 observer pipeline step).
func (d *Detector) Redact(text string) string {
	return d.scrubber.Scrub(text)
}

// ContainsSecret reports whether text contains anything secret-shaped.
func (d *Detector) ContainsSecret(text string) bool {
	return d.scrubber.ContainsSensitive(text)
}

// Service stores detected secrets encrypted at rest and returns references
// in their place. One Service instance owns one symmetric key; key
// rotation is out of scope and would re-encrypt existing rows under a new
// key before discarding the old one.
type Service struct {
	db       *sql.DB
	clock    clock.Clock
	detector *Detector
	key      []byte
}

// New creates a Service encrypting with key, which must be exactly
// chacha20poly1305.KeySize (32) bytes.
func New(db *sql.DB, clk clock.Clock, key []byte) (*Service, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secretsvc: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Service{db: db, clock: clk, detector: NewDetector(), key: key}, nil
}

// Reference is what callers keep instead of a plaintext secret.
type Reference struct {
	ID          string
	PatternName string
}

// Store encrypts plaintext and persists it, returning a Reference.
func (s *Service) Store(patternName, plaintext string) (*Reference, error) {
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, fmt.Errorf("secretsvc: init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secretsvc: generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	id := uuid.NewString()
	_, err = s.db.Exec(
		`INSERT INTO encrypted_secrets (id, pattern_name, ciphertext, nonce, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, patternName, ciphertext, nonce, s.clock.NowISO(),
	)
	if err != nil {
		return nil, fmt.Errorf("secretsvc: persist secret: %w", err)
	}
	return &Reference{ID: id, PatternName: patternName}, nil
}

// Retrieve decrypts and returns the plaintext for ref, updating its
// last-accessed timestamp.
func (s *Service) Retrieve(ref *Reference) (string, error) {
	var ciphertext, nonce []byte
	row := s.db.QueryRow(`SELECT ciphertext, nonce FROM encrypted_secrets WHERE id = ?`, ref.ID)
	if err := row.Scan(&ciphertext, &nonce); err != nil {
		return "", fmt.Errorf("secretsvc: load secret %s: %w", ref.ID, err)
	}

	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return "", fmt.Errorf("secretsvc: init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secretsvc: decrypt secret %s: %w", ref.ID, err)
	}

	_, _ = s.db.Exec(`UPDATE encrypted_secrets SET last_accessed_at = ? WHERE id = ?`, s.clock.NowISO(), ref.ID)
	return string(plaintext), nil
}

// DetectAndStore scans text for secret-shaped substrings, persists each
// distinct match encrypted, and returns the text with every match replaced
// by the scrubber's redaction marker plus the matching references so
// downstream components never see plaintext but can still retrieve it
// with authorization.
func (s *Service) DetectAndStore(text string) (redacted string, refs []*Reference, err error) {
	if !s.detector.ContainsSecret(text) {
		return text, nil, nil
	}

	seen := make(map[string]*Reference)
	for _, pattern := range s.detector.scrubber.Patterns() {
		for _, m := range pattern.FindAllString(text, -1) {
			key := hashMatch(m)
			if _, ok := seen[key]; ok {
				continue
			}
			ref, storeErr := s.Store("detected", m)
			if storeErr != nil {
				return "", nil, storeErr
			}
			seen[key] = ref
			refs = append(refs, ref)
		}
	}

	return s.detector.Redact(text), refs, nil
}

func hashMatch(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
