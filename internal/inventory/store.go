// Package inventory keeps authoritative per-hospital, per-blood-type stock.
//
// Every mutation of a (hospital, blood type) key is serialized on that key's
// lock. Reservations place a time-bounded hold on available units; a hold that
// is neither committed nor released before its deadline is dropped by
// ReleaseExpired.
package inventory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/ids"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/obs"
)

// DefaultReservationTTL bounds how long a hold may stay uncommitted.
const DefaultReservationTTL = 30 * time.Second

// Key identifies one inventory record.
type Key struct {
	HospitalID string
	BloodType  blood.Type
}

func (k Key) String() string { return k.HospitalID + "/" + string(k.BloodType) }

// Token is a reservation handle returned by Reserve.
type Token struct {
	ID       string
	Key      Key
	Amount   int64
	Deadline time.Time
}

// Persist is invoked with the post-mutation rows while the affected keys are
// still locked. A non-nil error aborts the mutation.
type Persist func(levels []blood.InventoryLevel) error

type record struct {
	mu       sync.Mutex
	quantity int64
	reserved int64
	holds    map[string]Token
	updated  time.Time
	halted   error
}

func (r *record) level(k Key) blood.InventoryLevel {
	return blood.InventoryLevel{
		HospitalID:  k.HospitalID,
		BloodType:   k.BloodType,
		QuantityML:  r.quantity,
		ReservedML:  r.reserved,
		LastUpdated: r.updated,
	}
}

// Store is the in-memory inventory.
type Store struct {
	mu   sync.RWMutex
	keys map[Key]*record
	ttl  time.Duration
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		keys: make(map[Key]*record),
		ttl:  DefaultReservationTTL,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validKey(k Key) error {
	if strings.TrimSpace(k.HospitalID) == "" {
		return blood.Invalid("hospital id is required")
	}
	if !k.BloodType.Valid() {
		return blood.Invalid("unknown blood type %q", k.BloodType)
	}
	return nil
}

func (s *Store) record(k Key) *record {
	s.mu.RLock()
	r, ok := s.keys[k]
	s.mu.RUnlock()
	if ok {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.keys[k]; !ok {
		r = &record{holds: make(map[string]Token)}
		s.keys[k] = r
	}
	return r
}

// halt poisons the key and raises a process-wide alert. Caller holds r.mu.
func (s *Store) halt(r *record, k Key, detail string) error {
	err := &blood.InvariantError{Subject: "inventory " + k.String(), Detail: detail}
	if r.halted == nil {
		r.halted = err
		obs.RaiseAlert(obs.Alert{Subject: "inventory", Key: k.String(), Err: err})
	}
	return err
}

// Add credits delta units to k.
func (s *Store) Add(k Key, delta int64, persist Persist) (blood.InventoryLevel, error) {
	levels, err := s.Credit(map[Key]int64{k: delta}, persist)
	if err != nil {
		return blood.InventoryLevel{}, err
	}
	return levels[0], nil
}

// Credit adds every delta as one unit: persist sees all post-credit rows and
// nothing changes unless it succeeds.
func (s *Store) Credit(deltas map[Key]int64, persist Persist) ([]blood.InventoryLevel, error) {
	if len(deltas) == 0 {
		return nil, nil
	}
	keys := make([]Key, 0, len(deltas))
	for k, delta := range deltas {
		if err := validKey(k); err != nil {
			return nil, err
		}
		if delta <= 0 {
			return nil, blood.Invalid("credit must be positive, got %d", delta)
		}
		keys = append(keys, k)
	}
	recs := s.lockSorted(keys)
	defer unlockAll(recs)

	now := s.now().UTC()
	levels := make([]blood.InventoryLevel, 0, len(keys))
	for _, k := range keys {
		r := recs[k]
		if r.halted != nil {
			return nil, r.halted
		}
		next := r.level(k)
		next.QuantityML += deltas[k]
		next.LastUpdated = now
		levels = append(levels, next)
	}
	if persist != nil {
		if err := persist(levels); err != nil {
			return nil, err
		}
	}
	for _, lvl := range levels {
		s.apply(recs, lvl)
	}
	return levels, nil
}

// lockSorted locks the records of keys in a global order and sorts keys in
// place to that order.
func (s *Store) lockSorted(keys []Key) map[Key]*record {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	recs := make(map[Key]*record, len(keys))
	for _, k := range keys {
		if _, ok := recs[k]; ok {
			continue
		}
		r := s.record(k)
		r.mu.Lock()
		recs[k] = r
	}
	return recs
}

func unlockAll(recs map[Key]*record) {
	for _, r := range recs {
		r.mu.Unlock()
	}
}

// apply writes a computed row back. Caller holds the record lock.
func (s *Store) apply(recs map[Key]*record, lvl blood.InventoryLevel) {
	k := Key{HospitalID: lvl.HospitalID, BloodType: lvl.BloodType}
	r := recs[k]
	r.quantity, r.reserved, r.updated = lvl.QuantityML, lvl.ReservedML, lvl.LastUpdated
	obs.InventoryML.WithLabelValues(k.HospitalID, string(k.BloodType)).Set(float64(r.quantity))
}

// Reserve holds amount units of k. It never blocks and never leaves available
// stock negative.
func (s *Store) Reserve(k Key, amount int64) (Token, error) {
	if err := validKey(k); err != nil {
		return Token{}, err
	}
	if amount <= 0 {
		return Token{}, blood.Invalid("reservation must be positive, got %d", amount)
	}
	r := s.record(k)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted != nil {
		return Token{}, r.halted
	}
	if avail := r.quantity - r.reserved; avail < amount {
		return Token{}, &blood.InsufficientStockError{BloodType: k.BloodType, RequestedML: amount, ShortfallML: amount - avail}
	}
	tok := Token{
		ID:       ids.NewKind(ids.Reservation),
		Key:      k,
		Amount:   amount,
		Deadline: s.now().Add(s.ttl),
	}
	r.holds[tok.ID] = tok
	r.reserved += amount
	return tok, nil
}

// Release drops a hold without touching committed stock.
func (s *Store) Release(tok Token) error {
	r := s.record(tok.Key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.holds[tok.ID]; !ok {
		return s.missingHold(tok)
	}
	delete(r.holds, tok.ID)
	r.reserved -= tok.Amount
	return nil
}

// ReleaseAll releases every token, returning the first failure.
func (s *Store) ReleaseAll(toks []Token) error {
	var first error
	for _, t := range toks {
		if err := s.Release(t); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Store) missingHold(tok Token) error {
	if !tok.Deadline.IsZero() && !s.now().Before(tok.Deadline) {
		return fmt.Errorf("%w: %s", blood.ErrReservationExpired, tok.ID)
	}
	return blood.Missing("reservation", tok.ID)
}

// Commit converts a hold into a debit of committed stock.
func (s *Store) Commit(tok Token) (blood.InventoryLevel, error) {
	levels, err := s.Settle([]Token{tok}, nil)
	if err != nil {
		return blood.InventoryLevel{}, err
	}
	return levels[0], nil
}

// Settle commits all tokens as one unit: every hold must still be live, then
// persist runs, then all debits apply. On error nothing changes and the holds
// stay in place for the caller to release.
func (s *Store) Settle(toks []Token, persist Persist) ([]blood.InventoryLevel, error) {
	if len(toks) == 0 {
		return nil, nil
	}
	keys := make([]Key, 0, len(toks))
	seen := map[Key]bool{}
	for _, t := range toks {
		if !seen[t.Key] {
			seen[t.Key] = true
			keys = append(keys, t.Key)
		}
	}
	recs := s.lockSorted(keys)
	defer unlockAll(recs)

	now := s.now()
	debit := map[Key]int64{}
	for _, t := range toks {
		r := recs[t.Key]
		if r.halted != nil {
			return nil, r.halted
		}
		if _, ok := r.holds[t.ID]; !ok {
			return nil, s.missingHold(t)
		}
		if !now.Before(t.Deadline) {
			delete(r.holds, t.ID)
			r.reserved -= t.Amount
			obs.ReservationsExpired.Inc()
			return nil, fmt.Errorf("%w: %s", blood.ErrReservationExpired, t.ID)
		}
		debit[t.Key] += t.Amount
	}

	levels := make([]blood.InventoryLevel, 0, len(keys))
	for _, k := range keys {
		r := recs[k]
		if r.quantity < debit[k] {
			return nil, s.halt(r, k, fmt.Sprintf("commit of %d ml exceeds quantity %d ml", debit[k], r.quantity))
		}
		next := r.level(k)
		next.QuantityML -= debit[k]
		next.ReservedML -= debit[k]
		next.LastUpdated = now.UTC()
		levels = append(levels, next)
	}
	if persist != nil {
		if err := persist(levels); err != nil {
			return nil, err
		}
	}
	for _, t := range toks {
		delete(recs[t.Key].holds, t.ID)
	}
	for _, lvl := range levels {
		s.apply(recs, lvl)
	}
	return levels, nil
}

// ErrHeld reports that a debit would eat into units currently reserved.
var ErrHeld = errors.New("inventory: units are reserved")

// Debit removes amount committed units from k outside of a reservation, as
// when stock expires. Debiting more than the key holds is an invariant
// violation: the key is halted and an alert raised. Debiting into reserved
// units fails with ErrHeld so the caller can retry once holds settle.
func (s *Store) Debit(k Key, amount int64, persist Persist) (blood.InventoryLevel, error) {
	if err := validKey(k); err != nil {
		return blood.InventoryLevel{}, err
	}
	if amount <= 0 {
		return blood.InventoryLevel{}, blood.Invalid("debit must be positive, got %d", amount)
	}
	r := s.record(k)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted != nil {
		return blood.InventoryLevel{}, r.halted
	}
	if r.quantity < amount {
		return blood.InventoryLevel{}, s.halt(r, k, fmt.Sprintf("debit of %d ml exceeds quantity %d ml", amount, r.quantity))
	}
	if r.quantity-r.reserved < amount {
		return blood.InventoryLevel{}, fmt.Errorf("%w: %s needs %d ml, %d ml reserved", ErrHeld, k, amount, r.reserved)
	}

	next := r.level(k)
	next.QuantityML -= amount
	next.LastUpdated = s.now().UTC()
	if persist != nil {
		if err := persist([]blood.InventoryLevel{next}); err != nil {
			return blood.InventoryLevel{}, err
		}
	}
	r.quantity, r.updated = next.QuantityML, next.LastUpdated
	obs.InventoryML.WithLabelValues(k.HospitalID, string(k.BloodType)).Set(float64(r.quantity))
	return next, nil
}

// ReleaseExpired drops every hold whose deadline has passed and returns how
// many were released.
func (s *Store) ReleaseExpired(now time.Time) int {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.keys))
	for _, r := range s.keys {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	released := 0
	for _, r := range recs {
		r.mu.Lock()
		for id, t := range r.holds {
			if !now.Before(t.Deadline) {
				delete(r.holds, id)
				r.reserved -= t.Amount
				released++
			}
		}
		r.mu.Unlock()
	}
	if released > 0 {
		obs.ReservationsExpired.Add(float64(released))
	}
	return released
}

// Level returns the current row for k; unknown keys read as zero.
func (s *Store) Level(k Key) blood.InventoryLevel {
	s.mu.RLock()
	r, ok := s.keys[k]
	s.mu.RUnlock()
	if !ok {
		return blood.InventoryLevel{HospitalID: k.HospitalID, BloodType: k.BloodType}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level(k)
}

// Levels returns one row per blood type for the hospital, in AllTypes order.
func (s *Store) Levels(hospitalID string) []blood.InventoryLevel {
	out := make([]blood.InventoryLevel, 0, len(blood.AllTypes))
	for _, t := range blood.AllTypes {
		out = append(out, s.Level(Key{HospitalID: hospitalID, BloodType: t}))
	}
	return out
}

// Halted returns the invariant error that poisoned k, if any.
func (s *Store) Halted(k Key) error {
	s.mu.RLock()
	r, ok := s.keys[k]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted
}

// Snapshot returns every known row, ordered by key.
func (s *Store) Snapshot() []blood.InventoryLevel {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	out := make([]blood.InventoryLevel, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.Level(k))
	}
	return out
}

// Poison halts k after an integrity failure detected outside the store.
func (s *Store) Poison(k Key, detail string) error {
	r := s.record(k)
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.halt(r, k, detail)
}

// Restore replaces quantities with persisted rows. Holds are not durable.
func (s *Store) Restore(levels []blood.InventoryLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[Key]*record, len(levels))
	for _, lvl := range levels {
		k := Key{HospitalID: lvl.HospitalID, BloodType: lvl.BloodType}
		s.keys[k] = &record{
			quantity: lvl.QuantityML,
			updated:  lvl.LastUpdated,
			holds:    make(map[string]Token),
		}
		obs.InventoryML.WithLabelValues(k.HospitalID, string(k.BloodType)).Set(float64(lvl.QuantityML))
	}
}
