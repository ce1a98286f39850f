package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// genesisHash is the previous_hash of sequence 1.
var genesisHash = strings.Repeat("0", 64)

// Chain is the append-only cryptographic backbone: every entry links to its
// predecessor's hash and carries a signature from the active key. A single
// mutex serializes all appends.
type Chain struct {
	mu     sync.Mutex
	db     *sql.DB
	signer *SignatureManager // nil when signing is disabled
}

// NewChain wraps the audit database. signer may be nil, in which case
// entries are chained but unsigned.
func NewChain(db *sql.DB, signer *SignatureManager) *Chain {
	return &Chain{db: db, signer: signer}
}

// entryHash computes the chained hash for one entry.
func entryHash(e *Entry, payload string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%s",
		e.EntryID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.EventType,
		e.EntityID,
		payload,
		e.SequenceNumber,
		e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// detailsPayload renders an entry's details deterministically: keys sorted,
// so the hash is stable regardless of map iteration order.
func detailsPayload(details map[string]string) string {
	if len(details) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		kj, _ := json.Marshal(k)
		vj, _ := json.Marshal(details[k])
		b.Write(kj)
		b.WriteString(":")
		b.Write(vj)
	}
	b.WriteString("}")
	return b.String()
}

// Append assigns the next sequence number, links and hashes e, signs the
// hash, and inserts the row. The entry is mutated in place with the
// assigned chain fields.
func (c *Chain) Append(e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastSeq sql.NullInt64
	var lastHash sql.NullString
	err := c.db.QueryRow(
		`SELECT sequence_number, entry_hash FROM audit_log ORDER BY sequence_number DESC LIMIT 1`,
	).Scan(&lastSeq, &lastHash)
	switch {
	case err == sql.ErrNoRows:
		e.SequenceNumber = 1
		e.PrevHash = genesisHash
	case err != nil:
		return fmt.Errorf("audit: read chain head: %w", err)
	default:
		e.SequenceNumber = lastSeq.Int64 + 1
		e.PrevHash = lastHash.String
	}

	payload := detailsPayload(e.Details)
	e.EntryHash = entryHash(e, payload)

	if c.signer != nil {
		sig, err := c.signer.Sign(e.EntryHash)
		if err != nil {
			return err
		}
		e.Signature = sig
		e.SigningKeyID = c.signer.KeyID()
	}

	_, err = c.db.Exec(
		`INSERT INTO audit_log (sequence_number, entry_id, event_timestamp, entity_id, event_type, actor, details, outcome, signature, signing_key_id, entry_hash, prev_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SequenceNumber, e.EntryID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.EntityID, e.EventType, e.Actor,
		payload, e.Outcome, e.Signature, e.SigningKeyID, e.EntryHash, e.PrevHash,
	)
	if err != nil {
		return fmt.Errorf("audit: append chain entry: %w", err)
	}
	return nil
}

// Count returns the number of chain entries.
func (c *Chain) Count() (int64, error) {
	var n int64
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count chain entries: %w", err)
	}
	return n, nil
}

// VerifyIntegrity walks the chain from sequence 1 upward, recomputing each
// entry hash, checking previous-hash linkage, and verifying signatures
// against the recorded key ids. An empty chain verifies as intact.
func (c *Chain) VerifyIntegrity(clk interface{ Now() time.Time }) (*VerificationReport, error) {
	started := clk.Now()
	report := &VerificationReport{ChainIntact: true}

	rows, err := c.db.Query(
		`SELECT sequence_number, entry_id, event_timestamp, entity_id, event_type, actor, details, outcome, signature, signing_key_id, entry_hash, prev_hash
		 FROM audit_log ORDER BY sequence_number ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: read chain: %w", err)
	}
	defer rows.Close()

	expectedPrev := genesisHash
	expectedSeq := int64(1)

	for rows.Next() {
		var (
			e        Entry
			ts       string
			payload  string
		)
		if err := rows.Scan(&e.SequenceNumber, &e.EntryID, &ts, &e.EntityID, &e.EventType, &e.Actor, &payload, &e.Outcome, &e.Signature, &e.SigningKeyID, &e.EntryHash, &e.PrevHash); err != nil {
			return nil, fmt.Errorf("audit: scan chain row: %w", err)
		}
		report.TotalEntries++

		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			report.recordInvalid(&e, fmt.Sprintf("entry %s: bad timestamp %q", e.EntryID, ts))
			continue
		}

		valid := true

		if e.SequenceNumber != expectedSeq {
			report.ChainIntact = false
			report.Errors = append(report.Errors, fmt.Sprintf("sequence gap: want %d, got %d", expectedSeq, e.SequenceNumber))
			valid = false
		}
		if e.PrevHash != expectedPrev {
			report.ChainIntact = false
			report.Errors = append(report.Errors, fmt.Sprintf("entry %s: previous hash mismatch", e.EntryID))
			valid = false
		}

		recomputed := entryHashFromPayload(&e, payload)
		if recomputed != e.EntryHash {
			report.Errors = append(report.Errors, fmt.Sprintf("entry %s: hash mismatch", e.EntryID))
			valid = false
		}

		if e.SigningKeyID != "" {
			if err := VerifySignatureWith(c.db, e.EntryHash, e.Signature, e.SigningKeyID); err != nil {
				report.Errors = append(report.Errors, err.Error())
				valid = false
			}
		}

		if valid {
			report.ValidEntries++
		} else {
			report.InvalidEntries++
			if report.FirstInvalidEntry == "" {
				report.FirstInvalidEntry = e.EntryID
			}
		}

		expectedPrev = e.EntryHash
		expectedSeq = e.SequenceNumber + 1
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate chain: %w", err)
	}

	report.Verified = report.InvalidEntries == 0 && report.ChainIntact
	report.Duration = clk.Now().Sub(started)
	return report, nil
}

func (r *VerificationReport) recordInvalid(e *Entry, msg string) {
	r.InvalidEntries++
	r.Errors = append(r.Errors, msg)
	if r.FirstInvalidEntry == "" {
		r.FirstInvalidEntry = e.EntryID
	}
}

// entryHashFromPayload recomputes the hash using the stored payload string
// rather than re-serializing the details map, so verification is immune to
// serialization drift.
func entryHashFromPayload(e *Entry, payload string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%s",
		e.EntryID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.EventType,
		e.EntityID,
		payload,
		e.SequenceNumber,
		e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}
