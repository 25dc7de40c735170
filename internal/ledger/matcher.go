package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/audit"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/ids"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/inventory"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/obs"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/store"
)

// slot serializes every transition of one request. AttemptMatch, Cancel and
// Fulfill hold it for their whole duration, so concurrent callers observe a
// single winner.
type slot struct {
	mu  sync.Mutex
	req blood.Request
}

// Matcher turns pending requests into committed allocations.
type Matcher struct {
	mu       sync.RWMutex
	requests map[string]*slot

	ledger      *Ledger
	fallback    bool
	autoFulfill bool
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithFallback enables compatible-type substitution when exact stock runs short.
func WithFallback(on bool) MatcherOption {
	return func(m *Matcher) { m.fallback = on }
}

// WithAutoFulfill controls whether a successful match goes straight to
// fulfilled in the same commit. It is on by default; turning it off leaves
// matched requests open to an explicit Fulfill or Cancel.
func WithAutoFulfill(on bool) MatcherOption {
	return func(m *Matcher) { m.autoFulfill = on }
}

func NewMatcher(l *Ledger, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		requests:    make(map[string]*slot),
		ledger:      l,
		autoFulfill: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Matcher) deps() Deps { return m.ledger.deps }

// Submit records a pending request for a hospital the actor may act for.
func (m *Matcher) Submit(ctx context.Context, actorID string, in RequestInput) (blood.Request, error) {
	in.HospitalID = strings.TrimSpace(in.HospitalID)
	in.PatientName = strings.TrimSpace(in.PatientName)
	switch {
	case in.HospitalID == "":
		return blood.Request{}, blood.Invalid("hospital id is required")
	case in.PatientName == "":
		return blood.Request{}, blood.Invalid("patient name is required")
	case !in.BloodType.Valid():
		return blood.Request{}, blood.Invalid("unknown blood type %q", in.BloodType)
	case in.QuantityML <= 0:
		return blood.Request{}, blood.Invalid("quantity must be positive, got %d", in.QuantityML)
	}
	if in.Urgency == "" {
		in.Urgency = blood.UrgencyNormal
	}
	if _, err := blood.ParseUrgency(string(in.Urgency)); err != nil {
		return blood.Request{}, err
	}
	if strings.TrimSpace(actorID) == "" {
		return blood.Request{}, blood.Forbidden("requests need an acting user")
	}
	hsp, err := m.authorize(ctx, actorID, in.HospitalID)
	if err != nil {
		return blood.Request{}, err
	}
	if !hsp.Verified {
		return blood.Request{}, blood.Forbidden("hospital %s is not verified", hsp.ID)
	}

	now := m.ledger.now()
	r := blood.Request{
		ID:          ids.NewKind(ids.Request),
		HospitalID:  hsp.ID,
		PatientName: in.PatientName,
		BloodType:   in.BloodType,
		QuantityML:  in.QuantityML,
		Urgency:     in.Urgency,
		Reason:      strings.TrimSpace(in.Reason),
		Status:      blood.RequestPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deps().Store.Commit(ctx, store.Changeset{Requests: []blood.Request{r}}); err != nil {
		return blood.Request{}, err
	}
	m.requests[r.ID] = &slot{req: r}
	return r.Clone(), nil
}

// authorize resolves the hospital and checks that actorID owns it or is an
// admin. An empty actorID is the engine itself (sweeps and re-matching).
func (m *Matcher) authorize(ctx context.Context, actorID, hospitalID string) (blood.Hospital, error) {
	d := m.deps()
	if d.Hospitals == nil {
		return blood.Hospital{}, errors.New("ledger: hospital directory is not configured")
	}
	hsp, err := d.Hospitals.Hospital(ctx, hospitalID)
	if err != nil {
		return blood.Hospital{}, err
	}
	if actorID == "" {
		return hsp, nil
	}
	if !d.Authorizer.CanActFor(ctx, actorID, hsp.UserID, blood.RoleHospital) {
		return blood.Hospital{}, blood.Forbidden("user %s may not act for hospital %s", actorID, hsp.ID)
	}
	return hsp, nil
}

func (m *Matcher) slot(id string) (*slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.requests[id]
	if !ok {
		return nil, blood.Missing("request", id)
	}
	return s, nil
}

// candidates lists donor types to draw from, exact match first.
func (m *Matcher) candidates(t blood.Type) []blood.Type {
	if !m.fallback {
		return []blood.Type{t}
	}
	return blood.CompatibleDonors(t)
}

// AttemptMatch reserves compatible stock at the requesting hospital, commits
// it against the oldest verified donations and moves the request to matched
// (or fulfilled with auto-fulfil). On shortfall every hold is released, the
// request stays pending and an *blood.InsufficientStockError is returned.
func (m *Matcher) AttemptMatch(ctx context.Context, requestID, actorID string) (MatchResult, error) {
	s, err := m.slot(requestID)
	if err != nil {
		return MatchResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := m.authorize(ctx, actorID, s.req.HospitalID); err != nil {
		obs.MatchAttempts.WithLabelValues("rejected").Inc()
		return MatchResult{}, err
	}
	if s.req.Status != blood.RequestPending {
		obs.MatchAttempts.WithLabelValues("rejected").Inc()
		return MatchResult{}, blood.BadState("request %s is %s", s.req.ID, s.req.Status)
	}

	toks, err := m.reserve(s.req)
	if err != nil {
		if errors.Is(err, blood.ErrInsufficientStock) {
			obs.MatchAttempts.WithLabelValues("insufficient").Inc()
		} else {
			obs.MatchAttempts.WithLabelValues("error").Inc()
		}
		return MatchResult{}, err
	}

	res, err := m.commit(ctx, s.req, toks)
	if err != nil {
		_ = m.deps().Inventory.ReleaseAll(toks)
		obs.MatchAttempts.WithLabelValues("error").Inc()
		return MatchResult{}, err
	}
	s.req = res.Request
	obs.MatchAttempts.WithLabelValues("matched").Inc()
	return res, nil
}

// reserve places holds type by type until the request is covered.
func (m *Matcher) reserve(req blood.Request) ([]inventory.Token, error) {
	inv := m.deps().Inventory
	remaining := req.QuantityML
	var toks []inventory.Token
	for _, t := range m.candidates(req.BloodType) {
		if remaining == 0 {
			break
		}
		key := inventory.Key{HospitalID: req.HospitalID, BloodType: t}
		if inv.Halted(key) != nil {
			continue
		}
		tok, take, err := reserveUpTo(inv, key, remaining)
		if err != nil {
			_ = inv.ReleaseAll(toks)
			return nil, err
		}
		if take == 0 {
			continue
		}
		toks = append(toks, tok)
		remaining -= take
	}
	if remaining > 0 {
		if err := inv.ReleaseAll(toks); err != nil {
			obs.Logger().Warn().Err(err).Str("request_id", req.ID).Msg("release after shortfall failed")
		}
		return nil, &blood.InsufficientStockError{
			BloodType:   req.BloodType,
			RequestedML: req.QuantityML,
			ShortfallML: remaining,
		}
	}
	return toks, nil
}

// holder is the slice of inventory.Store that reserveUpTo needs.
type holder interface {
	Level(inventory.Key) blood.InventoryLevel
	Reserve(inventory.Key, int64) (inventory.Token, error)
}

// reserveUpTo holds as much of want as the key has available. A concurrent
// reservation can shrink the stock between the read and the hold, so a short
// hold is retried once at the re-read level. A zero take means the key had
// nothing to give or was halted.
func reserveUpTo(inv holder, key inventory.Key, want int64) (inventory.Token, int64, error) {
	var lastErr error
	for range 2 {
		take := min(inv.Level(key).AvailableML(), want)
		if take <= 0 {
			return inventory.Token{}, 0, nil
		}
		tok, err := inv.Reserve(key, take)
		switch {
		case err == nil:
			return tok, take, nil
		case errors.Is(err, blood.ErrInvariantViolation):
			return inventory.Token{}, 0, nil
		case errors.Is(err, blood.ErrInsufficientStock):
			lastErr = err
		default:
			return inventory.Token{}, 0, err
		}
	}
	obs.Logger().Debug().Err(lastErr).Str("key", key.String()).Msg("reservation lost to a concurrent match")
	return inventory.Token{}, 0, nil
}

// commit allocates the held units to donations FIFO and applies every state
// change in one unit of work.
func (m *Matcher) commit(ctx context.Context, req blood.Request, toks []inventory.Token) (MatchResult, error) {
	l := m.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dr := l.draft()
	var (
		allocs   []blood.Allocation
		fallback bool
	)
	for _, tok := range toks {
		if tok.Key.BloodType != req.BloodType {
			fallback = true
		}
		need := tok.Amount
		for _, d := range l.fifo(tok.Key) {
			if need == 0 {
				break
			}
			w, err := dr.get(d.ID)
			if err != nil {
				return MatchResult{}, err
			}
			take := min(w.RemainingML, need)
			w.RemainingML -= take
			w.UpdatedAt = now
			allocs = append(allocs, blood.Allocation{DonationID: w.ID, BloodType: w.BloodType, QuantityML: take})
			need -= take
		}
		if need > 0 {
			return MatchResult{}, l.deps.Inventory.Poison(tok.Key, "inventory exceeds remaining verified donations")
		}
	}

	next := req.Clone()
	next.Status = blood.RequestMatched
	next.MatchedDonationID = allocs[0].DonationID
	next.Allocations = allocs
	next.UpdatedAt = now
	trs := []audit.Transition{{
		SubjectType: audit.SubjectRequest,
		SubjectID:   req.ID,
		PrevStatus:  string(blood.RequestPending),
		NewStatus:   string(blood.RequestMatched),
	}}
	if m.autoFulfill {
		next.Status = blood.RequestFulfilled
		next.FulfilledAt = &now
		trs = append(trs, audit.Transition{
			SubjectType: audit.SubjectRequest,
			SubjectID:   req.ID,
			PrevStatus:  string(blood.RequestMatched),
			NewStatus:   string(blood.RequestFulfilled),
		})
		used, err := l.consume(dr, req.ID, allocs, now)
		if err != nil {
			return MatchResult{}, err
		}
		trs = append(trs, used...)
	}
	requestEntries := 1
	if m.autoFulfill {
		requestEntries = 2
	}

	var changed []blood.Donation
	entries, err := l.deps.Trail.Commit(ctx, func(ctx context.Context, entries []audit.Entry) error {
		next.AuditSeq = entries[requestEntries-1].Seq
		changed = dr.list(entries)
		_, err := l.deps.Inventory.Settle(toks, func(levels []blood.InventoryLevel) error {
			return l.deps.Store.Commit(ctx, store.Changeset{
				Donations: changed,
				Requests:  []blood.Request{next},
				Inventory: levels,
				Audit:     entries,
			})
		})
		if err != nil {
			return err
		}
		dr.apply()
		if !m.autoFulfill {
			l.claim(req.ID, allocs)
		}
		return nil
	}, trs...)
	if err != nil {
		return MatchResult{}, err
	}
	recordAudit(entries)

	res := MatchResult{Request: next.Clone(), Allocations: allocs, Fallback: fallback}
	for _, c := range changed {
		if c.Status == blood.DonationUsed {
			res.Consumed = append(res.Consumed, c.Clone())
			obs.DonationTransitions.WithLabelValues(string(blood.DonationUsed)).Inc()
		}
	}
	return res, nil
}

// Cancel moves a pending or matched request to cancelled. A matched request's
// units go back to their donations and to inventory, so a cancelled request
// never leaves stock debited.
func (m *Matcher) Cancel(ctx context.Context, requestID, actorID string) (blood.Request, error) {
	return m.transition(ctx, requestID, actorID, blood.RequestCancelled)
}

// Fulfill records the physical hand-off of a matched request and marks
// exhausted donations used.
func (m *Matcher) Fulfill(ctx context.Context, requestID, actorID string) (blood.Request, error) {
	return m.transition(ctx, requestID, actorID, blood.RequestFulfilled)
}

func (m *Matcher) transition(ctx context.Context, requestID, actorID string, to blood.RequestStatus) (blood.Request, error) {
	if strings.TrimSpace(actorID) == "" {
		return blood.Request{}, blood.Forbidden("an actor is required")
	}
	s, err := m.slot(requestID)
	if err != nil {
		return blood.Request{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := m.authorize(ctx, actorID, s.req.HospitalID); err != nil {
		return blood.Request{}, err
	}
	prev := s.req.Status
	if !prev.CanTransitionTo(to) {
		return blood.Request{}, blood.BadState("request %s is %s", s.req.ID, prev)
	}

	l := m.ledger
	now := l.now()
	next := s.req.Clone()
	next.Status = to
	next.UpdatedAt = now
	if to == blood.RequestFulfilled {
		next.FulfilledAt = &now
	}
	trs := []audit.Transition{{
		SubjectType: audit.SubjectRequest,
		SubjectID:   s.req.ID,
		PrevStatus:  string(prev),
		NewStatus:   string(to),
	}}

	var (
		dr     *draft
		deltas map[inventory.Key]int64
	)
	if prev == blood.RequestMatched {
		l.mu.Lock()
		defer l.mu.Unlock()
		dr = l.draft()
		switch to {
		case blood.RequestFulfilled:
			used, err := l.consume(dr, s.req.ID, s.req.Allocations, now)
			if err != nil {
				return blood.Request{}, err
			}
			trs = append(trs, used...)
		case blood.RequestCancelled:
			if deltas, err = l.restock(dr, s.req.Allocations, now); err != nil {
				return blood.Request{}, err
			}
		}
	}

	entries, err := l.deps.Trail.Commit(ctx, func(ctx context.Context, entries []audit.Entry) error {
		next.AuditSeq = entries[0].Seq
		cs := store.Changeset{Requests: []blood.Request{next}, Donations: dr.list(entries), Audit: entries}
		persist := func(levels []blood.InventoryLevel) error {
			cs.Inventory = levels
			return l.deps.Store.Commit(ctx, cs)
		}
		if len(deltas) > 0 {
			if _, err := l.deps.Inventory.Credit(deltas, persist); err != nil {
				return err
			}
		} else if err := persist(nil); err != nil {
			return err
		}
		if dr != nil {
			dr.apply()
			l.unclaim(s.req.ID, s.req.Allocations)
		}
		return nil
	}, trs...)
	if err != nil {
		return blood.Request{}, err
	}
	recordAudit(entries)
	for _, e := range entries[1:] {
		if e.NewStatus == string(blood.DonationUsed) {
			obs.DonationTransitions.WithLabelValues(string(blood.DonationUsed)).Inc()
		}
	}
	s.req = next
	return next.Clone(), nil
}

// Get returns a copy of the request.
func (m *Matcher) Get(_ context.Context, id string) (blood.Request, error) {
	s, err := m.slot(id)
	if err != nil {
		return blood.Request{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req.Clone(), nil
}

// List returns the hospital's requests (all when hospitalID is empty),
// newest first.
func (m *Matcher) List(_ context.Context, hospitalID string) []blood.Request {
	out := m.collect(func(r blood.Request) bool {
		return hospitalID == "" || r.HospitalID == hospitalID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Pending returns pending requests, most urgent first and oldest first within
// an urgency. A non-empty hospitalID narrows the result.
func (m *Matcher) Pending(hospitalID string) []blood.Request {
	out := m.collect(func(r blood.Request) bool {
		return r.Status == blood.RequestPending && (hospitalID == "" || r.HospitalID == hospitalID)
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Urgency.Rank() != b.Urgency.Rank() {
			return a.Urgency.Rank() < b.Urgency.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (m *Matcher) collect(keep func(blood.Request) bool) []blood.Request {
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.requests))
	for _, s := range m.requests {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	out := make([]blood.Request, 0)
	for _, s := range slots {
		s.mu.Lock()
		r := s.req.Clone()
		s.mu.Unlock()
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Restore replaces the in-memory requests with persisted rows.
func (m *Matcher) Restore(rs []blood.Request) {
	m.mu.Lock()
	m.requests = make(map[string]*slot, len(rs))
	for _, r := range rs {
		m.requests[r.ID] = &slot{req: r.Clone()}
	}
	m.mu.Unlock()
	m.ledger.restoreClaims(rs)
}

// RetryPending attempts every pending request (optionally for one hospital)
// in urgency order and returns the successful matches. Shortfalls are normal
// and not reported.
func (m *Matcher) RetryPending(ctx context.Context, hospitalID string) ([]MatchResult, error) {
	var (
		out  []MatchResult
		errs []error
	)
	for _, r := range m.Pending(hospitalID) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := m.AttemptMatch(ctx, r.ID, "")
		switch {
		case err == nil:
			out = append(out, res)
		case errors.Is(err, blood.ErrInsufficientStock), errors.Is(err, blood.ErrInvalidState):
		default:
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}
