// Package integrity provides tamper-evident hashing for activity records.
// Each record's hash covers its content and the previous record's hash for
// the same agent, forming a chain. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/soji/internal/model"
)

const hashV1Prefix = "v1:"

// ErrChainBroken is returned by VerifyChain when a record does not link to
// its predecessor or its content no longer matches its hash.
var ErrChainBroken = errors.New("integrity: chain broken")

// ComputeRecordHash produces a versioned SHA-256 hex digest of rec's content
// chained to prevHash. Each field is length-prefixed so free-form payloads
// cannot collide across field boundaries.
func ComputeRecordHash(rec model.ActivityRecord, prevHash string) (string, error) {
	payload, err := canonicalPayload(rec.Payload)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // payloads are bounded by the activity log
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(rec.ID.String())
	writeField(rec.AgentID)
	writeField(rec.RunID.String())
	writeField(rec.TenantID)
	writeField(strconv.FormatInt(rec.Seq, 10))
	writeField(string(rec.Kind))
	writeField(string(payload))
	writeField(rec.Outcome)
	writeField(rec.Timestamp.UTC().Format(time.RFC3339Nano))
	writeField(prevHash)
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalPayload encodes p so that a payload read back from a JSON column
// hashes the same as the value originally appended. Structs become objects
// and object keys are sorted.
func canonicalPayload(p map[string]any) ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("integrity: encode payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("integrity: encode payload: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("integrity: encode payload: %w", err)
	}
	return out, nil
}

// VerifyRecord checks rec.Hash against its recomputed value.
func VerifyRecord(rec model.ActivityRecord) bool {
	if !strings.HasPrefix(rec.Hash, hashV1Prefix) {
		return false
	}
	want, err := ComputeRecordHash(rec, rec.PrevHash)
	return err == nil && want == rec.Hash
}

// VerifyChain checks that records, given oldest first for one agent, each
// verify and link to their predecessor. The first record may link to a hash
// outside the slice, so a chain can be verified one page at a time.
func VerifyChain(records []model.ActivityRecord) error {
	for i, rec := range records {
		if !VerifyRecord(rec) {
			return fmt.Errorf("%w: record %d (seq %d) does not match its hash", ErrChainBroken, i, rec.Seq)
		}
		if i == 0 {
			continue
		}
		prev := records[i-1]
		if rec.AgentID != prev.AgentID {
			return fmt.Errorf("%w: record %d belongs to agent %s, not %s", ErrChainBroken, i, rec.AgentID, prev.AgentID)
		}
		if rec.Seq <= prev.Seq {
			return fmt.Errorf("%w: record %d seq %d does not follow %d", ErrChainBroken, i, rec.Seq, prev.Seq)
		}
		if rec.PrevHash != prev.Hash {
			return fmt.Errorf("%w: record %d (seq %d) does not link to its predecessor", ErrChainBroken, i, rec.Seq)
		}
	}
	return nil
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves are taken in the order given. If leaves is empty, returns an empty
// string; a single leaf is its own root. Odd-length levels hash the last node
// with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

// RunDigest is the Merkle root over the hashes of one run's records, in
// sequence order. It is written into the run's terminal record so a run can
// be attested without replaying the agent's whole chain.
func RunDigest(records []model.ActivityRecord) string {
	leaves := make([]string, 0, len(records))
	for _, r := range records {
		leaves = append(leaves, r.Hash)
	}
	return BuildMerkleRoot(leaves)
}
