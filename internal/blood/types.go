package blood

import (
	"fmt"
	"strings"
	"time"
)

// Type is an ABO/Rh blood group as stored in the blood_type enum.
type Type string

const (
	APos  Type = "A+"
	ANeg  Type = "A-"
	BPos  Type = "B+"
	BNeg  Type = "B-"
	ABPos Type = "AB+"
	ABNeg Type = "AB-"
	OPos  Type = "O+"
	ONeg  Type = "O-"
)

// AllTypes lists every blood group in display order.
var AllTypes = []Type{APos, ANeg, BPos, BNeg, ABPos, ABNeg, OPos, ONeg}

// ParseType accepts the canonical spelling plus the unicode minus sign and
// "pos"/"neg" suffixes that show up in form input.
func ParseType(raw string) (Type, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "−", "-")
	s = strings.TrimSuffix(s, "POS") + suffixFor(s, "POS", "+")
	s = strings.TrimSuffix(s, "NEG") + suffixFor(s, "NEG", "-")
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown blood type %q", ErrValidation, raw)
	}
	return t, nil
}

func suffixFor(s, word, sign string) string {
	if strings.HasSuffix(s, word) {
		return sign
	}
	return ""
}

func (t Type) Valid() bool {
	for _, v := range AllTypes {
		if v == t {
			return true
		}
	}
	return false
}

func (t Type) String() string { return string(t) }

// Role is an app_role value.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleDonor    Role = "donor"
	RoleHospital Role = "hospital"
)

func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch r {
	case RoleAdmin, RoleDonor, RoleHospital:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrValidation, raw)
}

// DonationStatus is a donation_status value.
type DonationStatus string

const (
	DonationPending  DonationStatus = "pending"
	DonationVerified DonationStatus = "verified"
	DonationUsed     DonationStatus = "used"
	DonationExpired  DonationStatus = "expired"
)

var donationTransitions = map[DonationStatus][]DonationStatus{
	DonationPending:  {DonationVerified, DonationExpired},
	DonationVerified: {DonationUsed, DonationExpired},
}

// CanTransitionTo reports whether the donation state machine allows s -> next.
func (s DonationStatus) CanTransitionTo(next DonationStatus) bool {
	for _, allowed := range donationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s DonationStatus) Terminal() bool { return len(donationTransitions[s]) == 0 }

// RequestStatus is a request_status value.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestMatched   RequestStatus = "matched"
	RequestFulfilled RequestStatus = "fulfilled"
	RequestCancelled RequestStatus = "cancelled"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending: {RequestMatched, RequestCancelled},
	RequestMatched: {RequestFulfilled, RequestCancelled},
}

func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, allowed := range requestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Urgency orders pending requests for the retry sweep.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyNormal   Urgency = "normal"
)

func ParseUrgency(raw string) (Urgency, error) {
	u := Urgency(strings.ToLower(strings.TrimSpace(raw)))
	switch u {
	case UrgencyCritical, UrgencyUrgent, UrgencyNormal:
		return u, nil
	case "":
		return UrgencyNormal, nil
	}
	return "", fmt.Errorf("%w: unknown urgency %q", ErrValidation, raw)
}

// Rank is lower for more urgent requests.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 0
	case UrgencyUrgent:
		return 1
	default:
		return 2
	}
}

// Profile is a registered individual.
type Profile struct {
	ID            string    `json:"id"`
	FullName      string    `json:"full_name"`
	Email         string    `json:"email"`
	BloodType     *Type     `json:"blood_type,omitempty"`
	Location      string    `json:"location,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Hospital is a registered facility owned by a user holding the hospital role.
type Hospital struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Name          string    `json:"hospital_name"`
	LicenseNumber string    `json:"license_number"`
	Address       string    `json:"address"`
	City          string    `json:"city"`
	Verified      bool      `json:"verified"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Donation is a single collected unit. QuantityML never changes after
// submission; RemainingML tracks what has not yet been allocated to requests.
type Donation struct {
	ID           string         `json:"id"`
	DonorID      string         `json:"donor_id"`
	BloodType    Type           `json:"blood_type"`
	QuantityML   int64          `json:"quantity_ml"`
	RemainingML  int64          `json:"remaining_ml"`
	DonationDate time.Time      `json:"donation_date"`
	Location     string         `json:"location"`
	Notes        string         `json:"notes,omitempty"`
	Status       DonationStatus `json:"status"`
	HospitalID   string         `json:"hospital_id,omitempty"`
	VerifiedBy   string         `json:"verified_by,omitempty"`
	VerifiedAt   *time.Time     `json:"verified_at,omitempty"`
	AuditSeq     uint64         `json:"audit_seq,omitempty"`
	AuditHash    string         `json:"audit_hash,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Allocation records the units a request drew from one donation.
type Allocation struct {
	DonationID string `json:"donation_id"`
	BloodType  Type   `json:"blood_type"`
	QuantityML int64  `json:"quantity_ml"`
}

// Request is a hospital's blood request (blood_requests row).
type Request struct {
	ID                string        `json:"id"`
	HospitalID        string        `json:"hospital_id"`
	PatientName       string        `json:"patient_name"`
	BloodType         Type          `json:"blood_type"`
	QuantityML        int64         `json:"quantity_ml"`
	Urgency           Urgency       `json:"urgency"`
	Reason            string        `json:"reason"`
	Status            RequestStatus `json:"status"`
	MatchedDonationID string        `json:"matched_donation_id,omitempty"`
	Allocations       []Allocation  `json:"allocations,omitempty"`
	AuditSeq          uint64        `json:"audit_seq,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	FulfilledAt       *time.Time    `json:"fulfilled_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (r Request) Clone() Request {
	out := r
	if r.Allocations != nil {
		out.Allocations = append([]Allocation(nil), r.Allocations...)
	}
	if r.FulfilledAt != nil {
		t := *r.FulfilledAt
		out.FulfilledAt = &t
	}
	return out
}

// Clone returns a copy detached from ledger state.
func (d Donation) Clone() Donation {
	out := d
	if d.VerifiedAt != nil {
		t := *d.VerifiedAt
		out.VerifiedAt = &t
	}
	return out
}

// InventoryLevel is one blood_inventory row.
type InventoryLevel struct {
	HospitalID  string    `json:"hospital_id"`
	BloodType   Type      `json:"blood_type"`
	QuantityML  int64     `json:"quantity_ml"`
	ReservedML  int64     `json:"reserved_ml"`
	LastUpdated time.Time `json:"last_updated"`
}

// AvailableML is stock that can still be reserved.
func (l InventoryLevel) AvailableML() int64 { return l.QuantityML - l.ReservedML }
