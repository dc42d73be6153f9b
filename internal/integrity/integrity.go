// Package integrity implements the tamper-evidence hash chain over the
// event log. Each event's hash covers the previous hash and the event's
// identity and payload, so any in-place mutation, insertion, or gap breaks
// every later hash.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/convergehq/converge/internal/model"
)

// GenesisHash anchors an empty chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// hashFields computes SHA-256 over length-prefixed fields. The 4-byte
// big-endian length prefix makes the encoding injective: no two distinct
// field sequences produce the same byte stream.
func hashFields(fields ...[]byte) string {
	h := sha256.New()
	var lenBuf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		h.Write(lenBuf[:])
		h.Write(f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EventHash chains one event onto prevHash. The hash covers the event id,
// timestamp, type, and canonical JSON payload.
func EventHash(prevHash string, ev *model.Event) string {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		// Payloads come from our own event constructors; a marshal failure
		// here means a programming error, not data corruption.
		payload = []byte("null")
	}
	return hashFields(
		[]byte(prevHash),
		[]byte(ev.ID),
		[]byte(ev.Timestamp.UTC().Format(time.RFC3339Nano)),
		[]byte(ev.Type),
		payload,
	)
}

// ComputeHead walks events oldest-first and returns the resulting head hash.
func ComputeHead(events []*model.Event) string {
	prev := GenesisHash
	for _, ev := range events {
		prev = EventHash(prev, ev)
	}
	return prev
}

// VerifyResult reports a chain verification outcome. FirstBadIndex is the
// position of the earliest event whose recorded hash no longer matches the
// recomputed chain, or -1 when the chain is sound.
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	EventCount    int    `json:"event_count"`
	ComputedHead  string `json:"computed_head"`
	StoredHead    string `json:"stored_head,omitempty"`
	FirstBadIndex int    `json:"first_bad_index"`
	Reason        string `json:"reason,omitempty"`
}

// Verify recomputes the chain over events (oldest first) and compares each
// recomputed hash against the recorded per-event hash, then the final head
// against the stored head. recorded may be shorter than events for entries
// appended before the chain was initialized; those positions are skipped.
func Verify(events []*model.Event, recorded []string, storedHead string, storedCount int) VerifyResult {
	res := VerifyResult{FirstBadIndex: -1, EventCount: len(events), StoredHead: storedHead}

	prev := GenesisHash
	for i, ev := range events {
		prev = EventHash(prev, ev)
		if i < len(recorded) && recorded[i] != "" && recorded[i] != prev {
			res.ComputedHead = prev
			res.FirstBadIndex = i
			res.Reason = "hash mismatch: chain tampered"
			return res
		}
	}
	res.ComputedHead = prev

	switch {
	case storedHead == "":
		res.Reason = "chain not initialized"
	case storedCount != len(events):
		res.Reason = "event count mismatch"
	case !strings.EqualFold(storedHead, prev):
		res.Reason = "head mismatch: chain tampered"
	default:
		res.Valid = true
	}
	return res
}
