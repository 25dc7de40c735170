package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/audit"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/auth"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/inventory"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/store"
)

const (
	donorID    = "user-donor"
	staffID    = "user-staff"
	otherStaff = "user-other-staff"
	adminID    = "user-admin"
	hospitalID = "hsp_central"
	otherHosp  = "hsp_north"
)

type hospitals map[string]blood.Hospital

func (h hospitals) Hospital(_ context.Context, id string) (blood.Hospital, error) {
	if hsp, ok := h[id]; ok {
		return hsp, nil
	}
	return blood.Hospital{}, blood.Missing("hospital", id)
}

func (h hospitals) OwnedBy(_ context.Context, userID string) (blood.Hospital, error) {
	for _, hsp := range h {
		if hsp.UserID == userID {
			return hsp, nil
		}
	}
	return blood.Hospital{}, blood.Missing("hospital for user", userID)
}

type fixture struct {
	ctx     context.Context
	now     time.Time
	inv     *inventory.Store
	trail   *audit.Trail
	ledger  *Ledger
	matcher *Matcher

	mu      sync.Mutex
	commits []store.Changeset
	failing error
}

type fixtureOpt struct {
	fallback      bool
	manualFulfill bool
	shelfLife     time.Duration
	now           time.Time
}

func newFixture(t *testing.T, o fixtureOpt) *fixture {
	t.Helper()
	ctx := context.Background()
	if o.now.IsZero() {
		o.now = time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	}
	if o.shelfLife == 0 {
		o.shelfLife = 365 * 24 * time.Hour
	}
	roles := auth.NewMemoryRoleStore()
	_ = roles.Grant(ctx, donorID, blood.RoleDonor)
	_ = roles.Grant(ctx, staffID, blood.RoleHospital)
	_ = roles.Grant(ctx, otherStaff, blood.RoleHospital)
	_ = roles.Grant(ctx, adminID, blood.RoleAdmin)

	f := &fixture{ctx: ctx, now: o.now}
	clock := func() time.Time { return f.now }
	f.inv = inventory.New(inventory.WithClock(clock))
	f.trail = audit.NewTrail(audit.WithClock(clock))
	deps := Deps{
		Inventory:  f.inv,
		Trail:      f.trail,
		Authorizer: auth.NewAuthorizer(roles),
		Hospitals: hospitals{
			hospitalID: {ID: hospitalID, UserID: staffID, Name: "Central", Verified: true},
			otherHosp:  {ID: otherHosp, UserID: otherStaff, Name: "North", Verified: true},
		},
		Store: store.CommitFunc(func(_ context.Context, cs store.Changeset) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.failing != nil {
				return f.failing
			}
			f.commits = append(f.commits, cs)
			return nil
		}),
		Clock: clock,
	}
	f.ledger = New(deps, WithShelfLife(o.shelfLife))
	f.matcher = NewMatcher(f.ledger, WithFallback(o.fallback), WithAutoFulfill(!o.manualFulfill))
	return f
}

func day(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

// stock submits and verifies a donation credited to the staff hospital.
func (f *fixture) stock(t *testing.T, bt blood.Type, ml int64, date time.Time) blood.Donation {
	t.Helper()
	d, err := f.ledger.Submit(f.ctx, donorID, DonationInput{BloodType: bt, QuantityML: ml, DonationDate: date, Location: "Main St"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	v, err := f.ledger.Verify(f.ctx, d.ID, staffID, "")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return v
}

func (f *fixture) request(t *testing.T, bt blood.Type, ml int64, urgency blood.Urgency) blood.Request {
	t.Helper()
	r, err := f.matcher.Submit(f.ctx, staffID, RequestInput{
		HospitalID:  hospitalID,
		PatientName: "J. Doe",
		BloodType:   bt,
		QuantityML:  ml,
		Urgency:     urgency,
		Reason:      "surgery",
	})
	if err != nil {
		t.Fatalf("Submit request: %v", err)
	}
	return r
}

func (f *fixture) quantity(bt blood.Type) int64 {
	return f.inv.Level(inventory.Key{HospitalID: hospitalID, BloodType: bt}).QuantityML
}
