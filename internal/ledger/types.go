package ledger

import (
	"context"
	"time"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/audit"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/auth"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/inventory"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/obs"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/store"
)

// DefaultShelfLife is the red-cell storage limit.
const DefaultShelfLife = 42 * 24 * time.Hour

// Hospitals resolves facilities for role-scoped operations.
type Hospitals interface {
	Hospital(ctx context.Context, id string) (blood.Hospital, error)
	OwnedBy(ctx context.Context, userID string) (blood.Hospital, error)
}

// Deps are the collaborators shared by the donation ledger and the matcher.
type Deps struct {
	Inventory  *inventory.Store
	Trail      *audit.Trail
	Authorizer *auth.Authorizer
	Hospitals  Hospitals
	Store      store.Committer
	Clock      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Inventory == nil {
		d.Inventory = inventory.New()
	}
	if d.Trail == nil {
		d.Trail = audit.NewTrail()
	}
	if d.Authorizer == nil {
		d.Authorizer = auth.NewAuthorizer(nil)
	}
	if d.Store == nil {
		d.Store = store.Nop{}
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

// DonationInput is a donor's submission.
type DonationInput struct {
	BloodType    blood.Type
	QuantityML   int64
	DonationDate time.Time
	Location     string
	Notes        string
}

// RequestInput is a hospital's blood request.
type RequestInput struct {
	HospitalID  string
	PatientName string
	BloodType   blood.Type
	QuantityML  int64
	Urgency     blood.Urgency
	Reason      string
}

// MatchResult is the outcome of a successful AttemptMatch.
type MatchResult struct {
	Request     blood.Request      `json:"request"`
	Allocations []blood.Allocation `json:"allocations"`
	Consumed    []blood.Donation   `json:"consumed,omitempty"`
	Fallback    bool               `json:"fallback"`
}

func recordAudit(entries []audit.Entry) {
	if n := len(entries); n > 0 {
		obs.AuditSequence.Set(float64(entries[n-1].Seq))
	}
}
