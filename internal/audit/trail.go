package audit

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// GenesisHash is the predecessor hash of sequence 1.
var GenesisHash = strings.Repeat("0", 64)

// Subject types recorded in the chain.
const (
	SubjectDonation = "donation"
	SubjectRequest  = "request"
	SubjectHospital = "hospital"
)

var ErrInvalidRange = errors.New("audit: invalid range")

// Entry is one link of the hash chain.
type Entry struct {
	Seq         uint64    `json:"seq"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	PrevStatus  string    `json:"prev_status"`
	NewStatus   string    `json:"new_status"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// Transition is the payload a caller asks to record.
type Transition struct {
	SubjectType string
	SubjectID   string
	PrevStatus  string
	NewStatus   string
}

// CommitFunc persists freshly sealed entries together with the state change
// they describe. Entries become visible in the trail only if it returns nil.
type CommitFunc func(ctx context.Context, entries []Entry) error

// ChainReport is the outcome of VerifyChain.
type ChainReport struct {
	From          uint64 `json:"from"`
	To            uint64 `json:"to"`
	OK            bool   `json:"ok"`
	FirstMismatch uint64 `json:"first_mismatch,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Trail is a process-wide append-only hash chain. Appends are serialized on a
// single lock so sequence numbers are gap-free.
type Trail struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides the timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(t *Trail) {
		if fn != nil {
			t.now = fn
		}
	}
}

func NewTrail(opts ...Option) *Trail {
	t := &Trail{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Append seals and records transitions in order.
func (t *Trail) Append(ctx context.Context, ts ...Transition) ([]Entry, error) {
	return t.Commit(ctx, nil, ts...)
}

// Commit seals transitions under the trail lock, hands them to fn, and
// appends them only when fn succeeds.
func (t *Trail) Commit(ctx context.Context, fn CommitFunc, ts ...Transition) ([]Entry, error) {
	if len(ts) == 0 {
		return nil, nil
	}
	for _, tr := range ts {
		if strings.TrimSpace(tr.SubjectType) == "" || strings.TrimSpace(tr.SubjectID) == "" {
			return nil, errors.New("audit: subject type and id are required")
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prevHash := GenesisHash
	seq := uint64(len(t.entries))
	if seq > 0 {
		prevHash = t.entries[seq-1].Hash
	}
	// Postgres keeps microseconds; truncate so hashes survive a round trip.
	ts0 := t.now().UTC().Truncate(time.Microsecond)

	sealed := make([]Entry, 0, len(ts))
	for _, tr := range ts {
		seq++
		e := Entry{
			Seq:         seq,
			SubjectType: tr.SubjectType,
			SubjectID:   tr.SubjectID,
			PrevStatus:  tr.PrevStatus,
			NewStatus:   tr.NewStatus,
			PrevHash:    prevHash,
			Timestamp:   ts0,
		}
		e.Hash = ComputeHash(e)
		prevHash = e.Hash
		sealed = append(sealed, e)
	}

	if fn != nil {
		if err := fn(ctx, sealed); err != nil {
			return nil, err
		}
	}
	t.entries = append(t.entries, sealed...)
	return append([]Entry(nil), sealed...), nil
}

// ComputeHash is H(prevHash ‖ subjectType ‖ subjectID ‖ prevStatus ‖ newStatus ‖ timestamp)
// with BLAKE2b-256 over length-prefixed fields.
func ComputeHash(e Entry) string {
	h, _ := blake2b.New256(nil)
	var lenBuf [binary.MaxVarintLen64]byte
	for _, field := range []string{
		e.PrevHash,
		e.SubjectType,
		e.SubjectID,
		e.PrevStatus,
		e.NewStatus,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	} {
		n := binary.PutUvarint(lenBuf[:], uint64(len(field)))
		h.Write(lenBuf[:n])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Len is the number of entries, which is also the newest sequence number.
func (t *Trail) Len() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.entries))
}

// Range returns copies of entries with from <= seq <= to. A zero or too-large
// upper bound means "up to the newest entry".
func (t *Trail) Range(from, to uint64) ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lo, hi, err := t.bounds(from, to)
	if err != nil {
		return nil, err
	}
	if lo > hi {
		return []Entry{}, nil
	}
	return append([]Entry(nil), t.entries[lo-1:hi]...), nil
}

// VerifyChain recomputes every hash in [from, to] and checks each entry links
// to its predecessor. The first failing sequence number is reported.
func (t *Trail) VerifyChain(from, to uint64) (ChainReport, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lo, hi, err := t.bounds(from, to)
	if err != nil {
		return ChainReport{}, err
	}
	report := ChainReport{From: lo, To: hi, OK: true}
	for seq := lo; seq <= hi; seq++ {
		if reason := t.check(seq); reason != "" {
			report.OK = false
			report.FirstMismatch = seq
			report.Reason = reason
			return report, nil
		}
	}
	return report, nil
}

func (t *Trail) check(seq uint64) string {
	e := t.entries[seq-1]
	prev := GenesisHash
	if seq > 1 {
		prev = t.entries[seq-2].Hash
	}
	switch {
	case e.Seq != seq:
		return fmt.Sprintf("sequence gap: found %d", e.Seq)
	case e.PrevHash != prev:
		return "previous hash does not link"
	case ComputeHash(e) != e.Hash:
		return "hash does not match payload"
	}
	return ""
}

func (t *Trail) bounds(from, to uint64) (uint64, uint64, error) {
	last := uint64(len(t.entries))
	if from == 0 {
		from = 1
	}
	if to == 0 || to > last {
		to = last
	}
	if from > to && last > 0 && from <= last {
		return 0, 0, fmt.Errorf("%w: from %d > to %d", ErrInvalidRange, from, to)
	}
	return from, to, nil
}

// Load replaces the in-memory chain with persisted entries (ordered by seq)
// and verifies them.
func (t *Trail) Load(entries []Entry) (ChainReport, error) {
	t.mu.Lock()
	t.entries = append([]Entry(nil), entries...)
	t.mu.Unlock()
	return t.VerifyChain(0, 0)
}
