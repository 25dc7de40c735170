// Package ledger holds the donation ledger and the request matcher. The ledger
// is the only writer of inventory credits; the matcher is the only writer of
// inventory commits. Both seal every committed transition into the audit trail
// and persist it in the same unit of work.
//
// Lock order: request slot, ledger, audit trail, inventory key.
package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/audit"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/ids"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/inventory"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/obs"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/store"
)

// Ledger is the append-and-transition log of donations.
type Ledger struct {
	mu        sync.RWMutex
	donations map[string]*blood.Donation
	claims    map[string]map[string]struct{} // donation id -> open request ids

	deps      Deps
	shelfLife time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithShelfLife(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.shelfLife = d
		}
	}
}

func New(deps Deps, opts ...Option) *Ledger {
	l := &Ledger{
		donations: make(map[string]*blood.Donation),
		claims:    make(map[string]map[string]struct{}),
		deps:      deps.withDefaults(),
		shelfLife: DefaultShelfLife,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) now() time.Time { return l.deps.Clock().UTC() }

// ShelfLife reports the configured maximum donation age.
func (l *Ledger) ShelfLife() time.Duration { return l.shelfLife }

// Submit records a pending donation for donorID.
func (l *Ledger) Submit(ctx context.Context, donorID string, in DonationInput) (blood.Donation, error) {
	donorID = strings.TrimSpace(donorID)
	if donorID == "" {
		return blood.Donation{}, blood.Invalid("donor id is required")
	}
	if !in.BloodType.Valid() {
		return blood.Donation{}, blood.Invalid("unknown blood type %q", in.BloodType)
	}
	if in.QuantityML <= 0 {
		return blood.Donation{}, blood.Invalid("quantity must be positive, got %d", in.QuantityML)
	}
	now := l.now()
	if in.DonationDate.IsZero() {
		return blood.Donation{}, blood.Invalid("donation date is required")
	}
	if in.DonationDate.After(now) {
		return blood.Donation{}, blood.Invalid("donation date %s is in the future", in.DonationDate.Format(time.DateOnly))
	}
	if strings.TrimSpace(in.Location) == "" {
		return blood.Donation{}, blood.Invalid("location is required")
	}
	if !l.deps.Authorizer.HasRole(ctx, donorID, blood.RoleDonor) {
		return blood.Donation{}, blood.Forbidden("user %s is not a registered donor", donorID)
	}

	d := blood.Donation{
		ID:           ids.NewKind(ids.Donation),
		DonorID:      donorID,
		BloodType:    in.BloodType,
		QuantityML:   in.QuantityML,
		DonationDate: in.DonationDate.UTC(),
		Location:     strings.TrimSpace(in.Location),
		Notes:        strings.TrimSpace(in.Notes),
		Status:       blood.DonationPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.deps.Store.Commit(ctx, store.Changeset{Donations: []blood.Donation{d}}); err != nil {
		return blood.Donation{}, err
	}
	l.donations[d.ID] = &d
	obs.DonationTransitions.WithLabelValues(string(blood.DonationPending)).Inc()
	return d.Clone(), nil
}

// Verify moves a pending donation to verified and credits the verifier's
// hospital in one unit of work. hospitalID selects the credited hospital for
// admins; hospital users are always credited to the hospital they own.
func (l *Ledger) Verify(ctx context.Context, donationID, verifierID, hospitalID string) (blood.Donation, error) {
	if !l.deps.Authorizer.HasRole(ctx, verifierID, blood.RoleHospital, blood.RoleAdmin) {
		return blood.Donation{}, blood.Forbidden("user %s may not verify donations", verifierID)
	}
	hsp, err := l.creditTarget(ctx, verifierID, hospitalID)
	if err != nil {
		return blood.Donation{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.donations[donationID]
	if !ok {
		return blood.Donation{}, blood.Missing("donation", donationID)
	}
	if d.Status != blood.DonationPending {
		return blood.Donation{}, blood.BadState("donation %s is %s", d.ID, d.Status)
	}
	now := l.now()
	if !d.DonationDate.Add(l.shelfLife).After(now) {
		return blood.Donation{}, blood.BadState("donation %s is past its shelf-life", d.ID)
	}

	next := d.Clone()
	next.Status = blood.DonationVerified
	next.HospitalID = hsp.ID
	next.VerifiedBy = verifierID
	next.VerifiedAt = &now
	next.RemainingML = d.QuantityML
	next.UpdatedAt = now
	key := inventory.Key{HospitalID: hsp.ID, BloodType: d.BloodType}

	entries, err := l.deps.Trail.Commit(ctx, func(ctx context.Context, entries []audit.Entry) error {
		next.AuditSeq, next.AuditHash = entries[0].Seq, entries[0].Hash
		_, err := l.deps.Inventory.Add(key, d.QuantityML, func(levels []blood.InventoryLevel) error {
			return l.deps.Store.Commit(ctx, store.Changeset{
				Donations: []blood.Donation{next},
				Inventory: levels,
				Audit:     entries,
			})
		})
		if err != nil {
			return err
		}
		*d = next
		return nil
	}, audit.Transition{
		SubjectType: audit.SubjectDonation,
		SubjectID:   d.ID,
		PrevStatus:  string(blood.DonationPending),
		NewStatus:   string(blood.DonationVerified),
	})
	if err != nil {
		return blood.Donation{}, err
	}
	recordAudit(entries)
	obs.DonationTransitions.WithLabelValues(string(blood.DonationVerified)).Inc()
	return next.Clone(), nil
}

func (l *Ledger) creditTarget(ctx context.Context, verifierID, hospitalID string) (blood.Hospital, error) {
	if l.deps.Hospitals == nil {
		return blood.Hospital{}, errors.New("ledger: hospital directory is not configured")
	}
	var (
		hsp blood.Hospital
		err error
	)
	if hospitalID = strings.TrimSpace(hospitalID); hospitalID != "" {
		hsp, err = l.deps.Hospitals.Hospital(ctx, hospitalID)
		if err != nil {
			return blood.Hospital{}, err
		}
		if !l.deps.Authorizer.CanActFor(ctx, verifierID, hsp.UserID, blood.RoleHospital) {
			return blood.Hospital{}, blood.Forbidden("user %s may not credit hospital %s", verifierID, hsp.ID)
		}
	} else {
		hsp, err = l.deps.Hospitals.OwnedBy(ctx, verifierID)
		if errors.Is(err, blood.ErrNotFound) {
			return blood.Hospital{}, blood.Invalid("user %s owns no hospital; a hospital id is required", verifierID)
		}
		if err != nil {
			return blood.Hospital{}, err
		}
	}
	if !hsp.Verified {
		return blood.Hospital{}, blood.Forbidden("hospital %s is not verified", hsp.ID)
	}
	return hsp, nil
}

// draft collects donation rows changed by one unit of work. Rows are copies;
// apply writes them back once the work is durable. Caller holds l.mu.
type draft struct {
	l    *Ledger
	rows map[string]*blood.Donation
}

func (l *Ledger) draft() *draft {
	return &draft{l: l, rows: make(map[string]*blood.Donation)}
}

func (dr *draft) get(id string) (*blood.Donation, error) {
	if w, ok := dr.rows[id]; ok {
		return w, nil
	}
	d, ok := dr.l.donations[id]
	if !ok {
		return nil, &blood.InvariantError{Subject: "donation " + id, Detail: "allocated donation is missing"}
	}
	c := d.Clone()
	dr.rows[id] = &c
	return &c, nil
}

// list returns the changed rows ordered by id, stamped with their audit
// entries when the unit of work recorded a transition for them.
func (dr *draft) list(entries []audit.Entry) []blood.Donation {
	if dr == nil {
		return nil
	}
	byID := map[string]audit.Entry{}
	for _, e := range entries {
		if e.SubjectType == audit.SubjectDonation {
			byID[e.SubjectID] = e
		}
	}
	out := make([]blood.Donation, 0, len(dr.rows))
	for _, w := range dr.rows {
		if e, ok := byID[w.ID]; ok {
			w.AuditSeq, w.AuditHash = e.Seq, e.Hash
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (dr *draft) apply() {
	if dr == nil {
		return
	}
	for id, w := range dr.rows {
		*dr.l.donations[id] = *w
	}
}

// claim records that requestID holds allocated units of each donation until
// it is fulfilled or cancelled. Caller holds l.mu.
func (l *Ledger) claim(requestID string, allocs []blood.Allocation) {
	for _, a := range allocs {
		set, ok := l.claims[a.DonationID]
		if !ok {
			set = make(map[string]struct{})
			l.claims[a.DonationID] = set
		}
		set[requestID] = struct{}{}
	}
}

func (l *Ledger) unclaim(requestID string, allocs []blood.Allocation) {
	for _, a := range allocs {
		if set, ok := l.claims[a.DonationID]; ok {
			delete(set, requestID)
			if len(set) == 0 {
				delete(l.claims, a.DonationID)
			}
		}
	}
}

func (l *Ledger) claimedByOther(donationID, requestID string) bool {
	for id := range l.claims[donationID] {
		if id != requestID {
			return true
		}
	}
	return false
}

// consume marks allocated donations used once nothing remains in them and no
// other open request still claims their units.
func (l *Ledger) consume(dr *draft, requestID string, allocs []blood.Allocation, now time.Time) ([]audit.Transition, error) {
	var trs []audit.Transition
	seen := map[string]bool{}
	for _, a := range allocs {
		if seen[a.DonationID] {
			continue
		}
		seen[a.DonationID] = true
		w, err := dr.get(a.DonationID)
		if err != nil {
			return nil, err
		}
		if w.Status != blood.DonationVerified || w.RemainingML > 0 || l.claimedByOther(w.ID, requestID) {
			continue
		}
		w.Status = blood.DonationUsed
		w.UpdatedAt = now
		trs = append(trs, audit.Transition{
			SubjectType: audit.SubjectDonation,
			SubjectID:   w.ID,
			PrevStatus:  string(blood.DonationVerified),
			NewStatus:   string(blood.DonationUsed),
		})
	}
	return trs, nil
}

// restock hands allocated units back to their donations and returns the
// inventory credit per key. Units of donations that expired meanwhile are
// gone and are not credited.
func (l *Ledger) restock(dr *draft, allocs []blood.Allocation, now time.Time) (map[inventory.Key]int64, error) {
	deltas := map[inventory.Key]int64{}
	for _, a := range allocs {
		w, err := dr.get(a.DonationID)
		if err != nil {
			return nil, err
		}
		if w.Status != blood.DonationVerified {
			continue
		}
		if w.RemainingML+a.QuantityML > w.QuantityML {
			return nil, &blood.InvariantError{Subject: "donation " + w.ID, Detail: "restock exceeds collected volume"}
		}
		w.RemainingML += a.QuantityML
		w.UpdatedAt = now
		deltas[inventory.Key{HospitalID: w.HospitalID, BloodType: w.BloodType}] += a.QuantityML
	}
	return deltas, nil
}

// fifo returns verified donations with remaining volume for the key, oldest
// donation date first. Caller holds l.mu.
func (l *Ledger) fifo(k inventory.Key) []*blood.Donation {
	var out []*blood.Donation
	for _, d := range l.donations {
		if d.Status == blood.DonationVerified && d.RemainingML > 0 &&
			d.HospitalID == k.HospitalID && d.BloodType == k.BloodType {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.DonationDate.Equal(b.DonationDate) {
			return a.DonationDate.Before(b.DonationDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// Expire moves a pending or verified donation to expired. Verified units still
// in stock are debited from inventory first; a debit that would underflow
// halts the key and fails with an invariant violation.
func (l *Ledger) Expire(ctx context.Context, donationID string) (blood.Donation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.donations[donationID]
	if !ok {
		return blood.Donation{}, blood.Missing("donation", donationID)
	}
	if !d.Status.CanTransitionTo(blood.DonationExpired) {
		return blood.Donation{}, blood.BadState("donation %s is %s", d.ID, d.Status)
	}

	prev := d.Status
	next := d.Clone()
	next.Status = blood.DonationExpired
	next.RemainingML = 0
	next.UpdatedAt = l.now()

	entries, err := l.deps.Trail.Commit(ctx, func(ctx context.Context, entries []audit.Entry) error {
		next.AuditSeq, next.AuditHash = entries[0].Seq, entries[0].Hash
		cs := store.Changeset{Donations: []blood.Donation{next}, Audit: entries}
		if prev == blood.DonationVerified && d.RemainingML > 0 {
			key := inventory.Key{HospitalID: d.HospitalID, BloodType: d.BloodType}
			_, err := l.deps.Inventory.Debit(key, d.RemainingML, func(levels []blood.InventoryLevel) error {
				cs.Inventory = levels
				return l.deps.Store.Commit(ctx, cs)
			})
			if err != nil {
				return err
			}
		} else if err := l.deps.Store.Commit(ctx, cs); err != nil {
			return err
		}
		*d = next
		return nil
	}, audit.Transition{
		SubjectType: audit.SubjectDonation,
		SubjectID:   d.ID,
		PrevStatus:  string(prev),
		NewStatus:   string(blood.DonationExpired),
	})
	if err != nil {
		return blood.Donation{}, err
	}
	recordAudit(entries)
	obs.DonationTransitions.WithLabelValues(string(blood.DonationExpired)).Inc()
	return next.Clone(), nil
}

// ExpireStale expires every pending or verified donation older than the
// shelf-life at now. Donations that cannot be expired yet are reported in the
// joined error and retried on the next sweep.
func (l *Ledger) ExpireStale(ctx context.Context, now time.Time) ([]blood.Donation, error) {
	l.mu.RLock()
	var due []string
	for id, d := range l.donations {
		if d.Status.CanTransitionTo(blood.DonationExpired) && !d.DonationDate.Add(l.shelfLife).After(now) {
			due = append(due, id)
		}
	}
	l.mu.RUnlock()
	sort.Strings(due)

	var (
		expired []blood.Donation
		errs    []error
	)
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		d, err := l.Expire(ctx, id)
		switch {
		case err == nil:
			expired = append(expired, d)
		case errors.Is(err, blood.ErrInvalidState):
			// raced with a consume; nothing left to expire
		default:
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

// Get returns a copy of the donation.
func (l *Ledger) Get(_ context.Context, id string) (blood.Donation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.donations[id]
	if !ok {
		return blood.Donation{}, blood.Missing("donation", id)
	}
	return d.Clone(), nil
}

// List returns donations matching the filter, newest first. Empty filter
// fields match everything.
func (l *Ledger) List(_ context.Context, donorID, hospitalID string) []blood.Donation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]blood.Donation, 0)
	for _, d := range l.donations {
		if donorID != "" && d.DonorID != donorID {
			continue
		}
		if hospitalID != "" && d.HospitalID != hospitalID {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Restore replaces the in-memory donations with persisted rows.
func (l *Ledger) Restore(ds []blood.Donation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.donations = make(map[string]*blood.Donation, len(ds))
	for i := range ds {
		d := ds[i].Clone()
		l.donations[d.ID] = &d
	}
}

// restoreClaims rebuilds open claims from persisted matched requests.
func (l *Ledger) restoreClaims(rs []blood.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claims = make(map[string]map[string]struct{})
	for _, r := range rs {
		if r.Status == blood.RequestMatched {
			l.claim(r.ID, r.Allocations)
		}
	}
}

// Reconcile checks that every inventory key equals the remaining volume of
// the verified donations credited to it, and halts keys that disagree.
func (l *Ledger) Reconcile() []error {
	l.mu.RLock()
	sums := map[inventory.Key]int64{}
	for _, d := range l.donations {
		if d.Status == blood.DonationVerified {
			sums[inventory.Key{HospitalID: d.HospitalID, BloodType: d.BloodType}] += d.RemainingML
		}
	}
	l.mu.RUnlock()
	for _, lvl := range l.deps.Inventory.Snapshot() {
		k := inventory.Key{HospitalID: lvl.HospitalID, BloodType: lvl.BloodType}
		if _, ok := sums[k]; !ok {
			sums[k] = 0
		}
	}

	var errs []error
	for k, want := range sums {
		if got := l.deps.Inventory.Level(k).QuantityML; got != want {
			errs = append(errs, l.deps.Inventory.Poison(k, "quantity does not match verified donations"))
		}
	}
	return errs
}
