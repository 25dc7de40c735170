package ledger

import (
	"errors"
	"sync"
	"testing"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/inventory"
)

func TestMatchWithoutFallbackReportsShortfall(t *testing.T) {
	f := newFixture(t, fixtureOpt{fallback: false})
	f.stock(t, blood.ONeg, 2, day("2024-06-01"))
	f.stock(t, blood.OPos, 10, day("2024-06-01"))
	r := f.request(t, blood.ONeg, 3, blood.UrgencyCritical)

	_, err := f.matcher.AttemptMatch(f.ctx, r.ID, staffID)
	if !errors.Is(err, blood.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if got := blood.Shortfall(err); got != 1 {
		t.Fatalf("shortfall %d, want 1", got)
	}
	got, _ := f.matcher.Get(f.ctx, r.ID)
	if got.Status != blood.RequestPending {
		t.Fatalf("request must stay pending, got %s", got.Status)
	}
	for _, bt := range []blood.Type{blood.ONeg, blood.OPos} {
		lvl := f.inv.Level(inventory.Key{HospitalID: hospitalID, BloodType: bt})
		if lvl.ReservedML != 0 {
			t.Fatalf("%s: partial reservation left behind: %+v", bt, lvl)
		}
	}
	if f.quantity(blood.ONeg) != 2 || f.quantity(blood.OPos) != 10 {
		t.Fatal("failed match changed inventory")
	}
}

func TestFallbackNeverCrossesIncompatibleTypes(t *testing.T) {
	// O- recipients can only receive O-, so O+ stock does not help.
	f := newFixture(t, fixtureOpt{fallback: true})
	f.stock(t, blood.ONeg, 2, day("2024-06-01"))
	f.stock(t, blood.OPos, 10, day("2024-06-01"))
	r := f.request(t, blood.ONeg, 3, blood.UrgencyCritical)

	_, err := f.matcher.AttemptMatch(f.ctx, r.ID, staffID)
	if got := blood.Shortfall(err); got != 1 {
		t.Fatalf("expected shortfall 1, got %v", err)
	}
}

func TestFallbackDrawsExactTypeFirst(t *testing.T) {
	f := newFixture(t, fixtureOpt{fallback: true, manualFulfill: true})
	f.stock(t, blood.OPos, 2, day("2024-06-01"))
	f.stock(t, blood.ONeg, 10, day("2024-06-01"))
	r := f.request(t, blood.OPos, 3, blood.UrgencyUrgent)

	res, err := f.matcher.AttemptMatch(f.ctx, r.ID, staffID)
	if err != nil {
		t.Fatalf("AttemptMatch: %v", err)
	}
	if !res.Fallback || len(res.Allocations) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if a := res.Allocations[0]; a.BloodType != blood.OPos || a.QuantityML != 2 {
		t.Fatalf("exact type must be drawn first, got %+v", a)
	}
	if a := res.Allocations[1]; a.BloodType != blood.ONeg || a.QuantityML != 1 {
		t.Fatalf("fallback allocation %+v", a)
	}
	if f.quantity(blood.OPos) != 0 || f.quantity(blood.ONeg) != 9 {
		t.Fatalf("inventory O+=%d O-=%d", f.quantity(blood.OPos), f.quantity(blood.ONeg))
	}
	if res.Request.Status != blood.RequestMatched || res.Request.MatchedDonationID != res.Allocations[0].DonationID {
		t.Fatalf("request not linked: %+v", res.Request)
	}
}

func TestFallbackDisabledSucceedsOnExactStock(t *testing.T) {
	f := newFixture(t, fixtureOpt{})
	f.stock(t, blood.APos, 450, day("2024-06-01"))
	r := f.request(t, blood.APos, 450, blood.UrgencyNormal)
	res, err := f.matcher.AttemptMatch(f.ctx, r.ID, staffID)
	if err != nil {
		t.Fatalf("AttemptMatch: %v", err)
	}
	if res.Fallback || len(res.Consumed) != 1 || res.Consumed[0].Status != blood.DonationUsed {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestOldestDonationConsumedFirst(t *testing.T) {
	f := newFixture(t, fixtureOpt{})
	// Submitted newest first so insertion order cannot mask the ordering.
	newer := f.stock(t, blood.BPos, 450, day("2024-06-01"))
	older := f.stock(t, blood.BPos, 450, day("2024-01-01"))
	r := f.request(t, blood.BPos, 200, blood.UrgencyNormal)

	res, err := f.matcher.AttemptMatch(f.ctx, r.ID, staffID)
	if err != nil {
		t.Fatalf("AttemptMatch: %v", err)
	}
	if len(res.Allocations) != 1 || res.Allocations[0].DonationID != older.ID {
		t.Fatalf("expected draw from %s, got %+v", older.ID, res.Allocations)
	}
	o, _ := f.ledger.Get(f.ctx, older.ID)
	n, _ := f.ledger.Get(f.ctx, newer.ID)
	if o.RemainingML != 250 || o.Status != blood.DonationVerified {
		t.Fatalf("older donation %+v", o)
	}
	if n.RemainingML != 450 {
		t.Fatalf("newer donation touched: %+v", n)
	}
}

func TestMatchSpansDonations(t *testing.T) {
	f := newFixture(t, fixtureOpt{manualFulfill: true})
	a := f.stock(t, blood.ABNeg, 300, day("2024-05-01"))
	b := f.stock(t, blood.ABNeg, 300, day("2024-05-02"))
	r := f.request(t, blood.ABNeg, 400, blood.UrgencyNormal)

	res, err := f.matcher.AttemptMatch(f.ctx, r.ID, staffID)
	if err != nil {
		t.Fatalf("AttemptMatch: %v", err)
	}
	if len(res.Allocations) != 2 || res.Allocations[0].DonationID != a.ID || res.Allocations[1].DonationID != b.ID {
		t.Fatalf("allocations %+v", res.Allocations)
	}
	if len(res.Consumed) != 0 {
		t.Fatalf("donations are consumed on fulfilment, got %+v", res.Consumed)
	}
	if errs := f.ledger.Reconcile(); len(errs) != 0 {
		t.Fatalf("ledger drifted from inventory: %v", errs)
	}

	if _, err := f.matcher.Fulfill(f.ctx, r.ID, staffID); err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if d, _ := f.ledger.Get(f.ctx, a.ID); d.Status != blood.DonationUsed {
		t.Fatalf("exhausted donation %s, want used", d.Status)
	}
	if d, _ := f.ledger.Get(f.ctx, b.ID); d.Status != blood.DonationVerified || d.RemainingML != 200 {
		t.Fatalf("partially drawn donation %+v", d)
	}
	report, _ := f.trail.VerifyChain(0, 0)
	if !report.OK {
		t.Fatalf("chain broken: %+v", report)
	}
}

func TestCancelMatchedRestocks(t *testing.T) {
	f := newFixture(t, fixtureOpt{manualFulfill: true})
	d := f.stock(t, blood.OPos, 450, day("2024-06-01"))
	first := f.request(t, blood.OPos, 200, blood.UrgencyNormal)
	second := f.request(t, blood.OPos, 250, blood.UrgencyNormal)
	for _, r := range []blood.Request{first, second} {
		if _, err := f.matcher.AttemptMatch(f.ctx, r.ID, staffID); err != nil {
			t.Fatalf("AttemptMatch %s: %v", r.ID, err)
		}
	}
	if f.quantity(blood.OPos) != 0 {
		t.Fatalf("inventory %d, want 0", f.quantity(blood.OPos))
	}

	if _, err := f.matcher.Fulfill(f.ctx, first.ID, staffID); err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if got, _ := f.ledger.Get(f.ctx, d.ID); got.Status != blood.DonationVerified {
		t.Fatalf("donation still claimed by %s must stay verified, got %s", second.ID, got.Status)
	}

	cancelled, err := f.matcher.Cancel(f.ctx, second.ID, staffID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != blood.RequestCancelled {
		t.Fatalf("status %s", cancelled.Status)
	}
	if f.quantity(blood.OPos) != 250 {
		t.Fatalf("inventory %d after cancel, want 250", f.quantity(blood.OPos))
	}
	if got, _ := f.ledger.Get(f.ctx, d.ID); got.RemainingML != 250 || got.Status != blood.DonationVerified {
		t.Fatalf("donation after restock %+v", got)
	}
	if errs := f.ledger.Reconcile(); len(errs) != 0 {
		t.Fatalf("ledger drifted from inventory: %v", errs)
	}
}

// raceCancelAndMatch runs AttemptMatch and Cancel on one request at once and
// returns both errors with the final status and O+ stock.
func raceCancelAndMatch(t *testing.T, o fixtureOpt) (matchErr, cancelErr error, final blood.RequestStatus, stock int64) {
	t.Helper()
	f := newFixture(t, o)
	f.stock(t, blood.OPos, 450, day("2024-06-01"))
	r := f.request(t, blood.OPos, 450, blood.UrgencyCritical)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, matchErr = f.matcher.AttemptMatch(f.ctx, r.ID, staffID)
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = f.matcher.Cancel(f.ctx, r.ID, staffID)
	}()
	wg.Wait()

	got, _ := f.matcher.Get(f.ctx, r.ID)
	if errs := f.ledger.Reconcile(); len(errs) != 0 {
		t.Fatalf("ledger drifted from inventory: %v", errs)
	}
	return matchErr, cancelErr, got.Status, f.quantity(blood.OPos)
}

func TestCancelRacesMatch(t *testing.T) {
	for i := 0; i < 200; i++ {
		matchErr, cancelErr, final, stock := raceCancelAndMatch(t, fixtureOpt{})
		switch {
		case matchErr == nil && cancelErr == nil:
			t.Fatalf("#%d: both match and cancel succeeded, final %s", i, final)
		case matchErr == nil:
			if !errors.Is(cancelErr, blood.ErrInvalidState) || final != blood.RequestFulfilled || stock != 0 {
				t.Fatalf("#%d: match won but cancel=%v final=%s stock=%d", i, cancelErr, final, stock)
			}
		case cancelErr == nil:
			if !errors.Is(matchErr, blood.ErrInvalidState) || final != blood.RequestCancelled || stock != 450 {
				t.Fatalf("#%d: cancel won but match=%v final=%s stock=%d", i, matchErr, final, stock)
			}
		default:
			t.Fatalf("#%d: neither call succeeded: match=%v cancel=%v", i, matchErr, cancelErr)
		}
	}
}

func TestCancelAfterManualMatchRestocks(t *testing.T) {
	// With manual fulfilment a match that commits first leaves the request
	// matched, and the cancel that follows is a separate, valid transition.
	for i := 0; i < 50; i++ {
		matchErr, cancelErr, final, stock := raceCancelAndMatch(t, fixtureOpt{manualFulfill: true})
		if cancelErr != nil || final != blood.RequestCancelled || stock != 450 {
			t.Fatalf("#%d: match=%v cancel=%v final=%s stock=%d", i, matchErr, cancelErr, final, stock)
		}
		if matchErr != nil && !errors.Is(matchErr, blood.ErrInvalidState) {
			t.Fatalf("#%d: match lost with %v", i, matchErr)
		}
	}
}

func TestFulfilledCannotBeCancelledAndMatchIsSingleWinner(t *testing.T) {
	f := newFixture(t, fixtureOpt{manualFulfill: true})
	f.stock(t, blood.OPos, 900, day("2024-06-01"))
	r := f.request(t, blood.OPos, 450, blood.UrgencyCritical)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.matcher.AttemptMatch(f.ctx, r.ID, staffID)
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, blood.ErrInvalidState):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 || f.quantity(blood.OPos) != 450 {
		t.Fatalf("wins=%d inventory=%d", wins, f.quantity(blood.OPos))
	}

	if _, err := f.matcher.Fulfill(f.ctx, r.ID, otherStaff); !errors.Is(err, blood.ErrPermission) {
		t.Fatalf("foreign hospital fulfil: expected ErrPermission, got %v", err)
	}
	done, err := f.matcher.Fulfill(f.ctx, r.ID, staffID)
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if done.Status != blood.RequestFulfilled || done.FulfilledAt == nil {
		t.Fatalf("unexpected request %+v", done)
	}
	if _, err := f.matcher.Cancel(f.ctx, r.ID, adminID); !errors.Is(err, blood.ErrInvalidState) {
		t.Fatalf("cancel after fulfil: expected ErrInvalidState, got %v", err)
	}
}

func TestAutoFulfill(t *testing.T) {
	f := newFixture(t, fixtureOpt{})
	f.stock(t, blood.ANeg, 450, day("2024-06-01"))
	r := f.request(t, blood.ANeg, 450, blood.UrgencyNormal)
	res, err := f.matcher.AttemptMatch(f.ctx, r.ID, "")
	if err != nil {
		t.Fatalf("AttemptMatch: %v", err)
	}
	if res.Request.Status != blood.RequestFulfilled || res.Request.FulfilledAt == nil {
		t.Fatalf("expected fulfilled request, got %+v", res.Request)
	}
	// verified, matched, fulfilled, used
	if n := f.trail.Len(); n != 4 {
		t.Fatalf("audit entries %d, want 4", n)
	}
}

func TestRequestPermissions(t *testing.T) {
	f := newFixture(t, fixtureOpt{})
	in := RequestInput{HospitalID: hospitalID, PatientName: "P", BloodType: blood.APos, QuantityML: 100}
	if _, err := f.matcher.Submit(f.ctx, otherStaff, in); !errors.Is(err, blood.ErrPermission) {
		t.Fatalf("foreign staff submit: expected ErrPermission, got %v", err)
	}
	if _, err := f.matcher.Submit(f.ctx, donorID, in); !errors.Is(err, blood.ErrPermission) {
		t.Fatalf("donor submit: expected ErrPermission, got %v", err)
	}
	if _, err := f.matcher.Submit(f.ctx, adminID, in); err != nil {
		t.Fatalf("admin submit: %v", err)
	}
	in.QuantityML = 0
	if _, err := f.matcher.Submit(f.ctx, staffID, in); !errors.Is(err, blood.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	r := f.request(t, blood.APos, 100, "")
	if r.Urgency != blood.UrgencyNormal {
		t.Fatalf("default urgency %s", r.Urgency)
	}
	if _, err := f.matcher.Cancel(f.ctx, r.ID, otherStaff); !errors.Is(err, blood.ErrPermission) {
		t.Fatalf("foreign cancel: expected ErrPermission, got %v", err)
	}
	if _, err := f.matcher.AttemptMatch(f.ctx, "req_missing", staffID); !errors.Is(err, blood.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryPendingServesMostUrgentFirst(t *testing.T) {
	f := newFixture(t, fixtureOpt{})
	normal := f.request(t, blood.BNeg, 450, blood.UrgencyNormal)
	critical := f.request(t, blood.BNeg, 450, blood.UrgencyCritical)
	f.stock(t, blood.BNeg, 450, day("2024-06-01"))

	res, err := f.matcher.RetryPending(f.ctx, hospitalID)
	if err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	if len(res) != 1 || res[0].Request.ID != critical.ID {
		t.Fatalf("expected %s matched, got %+v", critical.ID, res)
	}
	if got, _ := f.matcher.Get(f.ctx, normal.ID); got.Status != blood.RequestPending {
		t.Fatalf("normal request %s", got.Status)
	}
}

func TestMatchPersistFailureReleasesHolds(t *testing.T) {
	f := newFixture(t, fixtureOpt{})
	f.stock(t, blood.OPos, 450, day("2024-06-01"))
	r := f.request(t, blood.OPos, 200, blood.UrgencyNormal)

	f.failing = errors.New("serialization failure")
	if _, err := f.matcher.AttemptMatch(f.ctx, r.ID, staffID); !errors.Is(err, f.failing) {
		t.Fatalf("expected persist error, got %v", err)
	}
	lvl := f.inv.Level(inventory.Key{HospitalID: hospitalID, BloodType: blood.OPos})
	if lvl.QuantityML != 450 || lvl.ReservedML != 0 {
		t.Fatalf("inventory after failed match %+v", lvl)
	}
	if got, _ := f.matcher.Get(f.ctx, r.ID); got.Status != blood.RequestPending {
		t.Fatalf("request %s", got.Status)
	}
	f.failing = nil
	if _, err := f.matcher.AttemptMatch(f.ctx, r.ID, staffID); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

// racingHolder lets a competing reservation land between the level read and
// the first hold, the window a concurrent match can hit.
type racingHolder struct {
	*inventory.Store
	steal int64
	fired bool
}

func (h *racingHolder) Reserve(k inventory.Key, amount int64) (inventory.Token, error) {
	if !h.fired {
		h.fired = true
		if _, err := h.Store.Reserve(k, h.steal); err != nil {
			return inventory.Token{}, err
		}
	}
	return h.Store.Reserve(k, amount)
}

func TestReserveRetriesAfterLosingUnits(t *testing.T) {
	f := newFixture(t, fixtureOpt{})
	f.stock(t, blood.OPos, 450, day("2024-06-01"))
	key := inventory.Key{HospitalID: hospitalID, BloodType: blood.OPos}

	h := &racingHolder{Store: f.inv, steal: 100}
	tok, take, err := reserveUpTo(h, key, 400)
	if err != nil {
		t.Fatalf("reserveUpTo: %v", err)
	}
	if take != 350 || tok.Amount != 350 {
		t.Fatalf("took %d (token %d), want the 350 left after the competing hold", take, tok.Amount)
	}
	if lvl := f.inv.Level(key); lvl.ReservedML != 450 {
		t.Fatalf("reserved %d, want 450", lvl.ReservedML)
	}
}

func TestReserveTakesNothingWhenRaceDrainsKey(t *testing.T) {
	f := newFixture(t, fixtureOpt{})
	f.stock(t, blood.OPos, 450, day("2024-06-01"))
	key := inventory.Key{HospitalID: hospitalID, BloodType: blood.OPos}

	// Everything is taken before the first hold; nothing is left to retry with.
	h := &racingHolder{Store: f.inv, steal: 450}
	_, take, err := reserveUpTo(h, key, 200)
	if err != nil || take != 0 {
		t.Fatalf("reserveUpTo = %d, %v; want 0, nil", take, err)
	}
}
