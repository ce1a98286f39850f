package audit

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ciriscore/agentcore/internal/clock"
)

// SignatureManager signs entry hashes with an RSA private key loaded from
// the key directory and registers the corresponding public key in the
// audit_signing_keys table so verification can outlive key rotation.
type SignatureManager struct {
	keyID      string
	privateKey *rsa.PrivateKey
	db         *sql.DB
	clock      clock.Clock
}

// signingKeyFile is the PEM the manager loads (and creates on first boot)
// inside the configured key directory.
const signingKeyFile = "audit_signing.pem"

// NewSignatureManager loads the signing key from keyDir, generating a
// 2048-bit key on first boot, and registers its public half in db.
func NewSignatureManager(keyDir string, db *sql.DB, clk clock.Clock) (*SignatureManager, error) {
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create key directory: %w", err)
	}

	keyPath := filepath.Join(keyDir, signingKeyFile)
	pemData, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		// key exists, parse below
	case os.IsNotExist(err):
		if pemData, err = generateKey(keyPath); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("audit: read signing key: %w", err)
	}

	privateKey, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("audit: parse signing key: %w", err)
	}

	m := &SignatureManager{privateKey: privateKey, db: db, clock: clk}
	if err := m.register(); err != nil {
		return nil, err
	}
	return m, nil
}

func generateKey(path string) ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("audit: generate signing key: %w", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, pemData, 0o600); err != nil {
		return nil, fmt.Errorf("audit: write signing key: %w", err)
	}
	return pemData, nil
}

// parsePrivateKey parses a PEM-encoded RSA private key in PKCS#1 or PKCS#8
// format.
func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#1 format first (RSA PRIVATE KEY)
	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	// Try PKCS#8 format (PRIVATE KEY)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}

	return rsaKey, nil
}

// register derives the key id from the public key and inserts the key row
// if it is not already present.
func (m *SignatureManager) register() error {
	pubDER, err := x509.MarshalPKIXPublicKey(&m.privateKey.PublicKey)
	if err != nil {
		return fmt.Errorf("audit: marshal public key: %w", err)
	}
	sum := sha256.Sum256(pubDER)
	m.keyID = hex.EncodeToString(sum[:8])

	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	_, err = m.db.Exec(
		`INSERT OR IGNORE INTO audit_signing_keys (key_id, public_key, algorithm, key_size, created_at)
		 VALUES (?, ?, 'RSA-SHA256', ?, ?)`,
		m.keyID, string(pubPEM), m.privateKey.Size()*8, m.clock.NowISO(),
	)
	if err != nil {
		return fmt.Errorf("audit: register signing key: %w", err)
	}
	return nil
}

// KeyID returns the active signing key's id.
func (m *SignatureManager) KeyID() string { return m.keyID }

// Sign returns the base64 RSA signature over entryHash.
func (m *SignatureManager) Sign(entryHash string) (string, error) {
	digest := sha256.Sum256([]byte(entryHash))
	sig, err := rsa.SignPKCS1v15(rand.Reader, m.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("audit: sign entry hash: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks signature against entryHash using the public key
// registered under keyID, which may belong to a rotated-out key.
func (m *SignatureManager) VerifySignature(entryHash, signature, keyID string) error {
	return VerifySignatureWith(m.db, entryHash, signature, keyID)
}

// VerifySignatureWith is the standalone form used by chain verification,
// which must work without a private key present.
func VerifySignatureWith(db *sql.DB, entryHash, signature, keyID string) error {
	var pubPEM string
	err := db.QueryRow(`SELECT public_key FROM audit_signing_keys WHERE key_id = ?`, keyID).Scan(&pubPEM)
	if err != nil {
		return fmt.Errorf("audit: load signing key %s: %w", keyID, err)
	}

	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return fmt.Errorf("audit: decode public key %s", keyID)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("audit: parse public key %s: %w", keyID, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("audit: public key %s is not RSA", keyID)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("audit: decode signature: %w", err)
	}

	digest := sha256.Sum256([]byte(entryHash))
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("audit: signature mismatch for key %s: %w", keyID, err)
	}
	return nil
}
