package bank

import (
	"context"
	"errors"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/audit"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/inventory"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/ledger"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/obs"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/stream"
)

// SubmitDonation records a pending donation for the acting donor.
func (s *Service) SubmitDonation(ctx context.Context, donorID string, in ledger.DonationInput) (blood.Donation, error) {
	d, err := s.ledger.Submit(ctx, donorID, in)
	return d, s.denied(ctx, "submit_donation", donorID, err)
}

// VerifyDonation credits a pending donation to the verifier's hospital. With
// RematchOnCredit the hospital's pending requests are retried afterwards.
func (s *Service) VerifyDonation(ctx context.Context, donationID, verifierID, hospitalID string) (blood.Donation, error) {
	d, err := s.ledger.Verify(ctx, donationID, verifierID, hospitalID)
	if err != nil {
		return blood.Donation{}, s.denied(ctx, "verify_donation", verifierID, err)
	}
	s.events.Publish(stream.Event{
		Type:        stream.DonationVerified,
		SubjectType: audit.SubjectDonation,
		SubjectID:   d.ID,
		HospitalID:  d.HospitalID,
		BloodType:   d.BloodType,
		QuantityML:  d.QuantityML,
		Status:      string(d.Status),
	})
	if s.opts.RematchOnCredit {
		s.rematch(ctx, d.HospitalID)
	}
	return d, nil
}

func (s *Service) rematch(ctx context.Context, hospitalID string) {
	results, err := s.matcher.RetryPending(ctx, hospitalID)
	for _, res := range results {
		s.publishMatch(res)
	}
	if err != nil {
		obs.Logger().Warn().Err(err).Str("hospital_id", hospitalID).Msg("rematch after credit failed")
	}
}

// SubmitRequest records a pending request for a verified hospital.
func (s *Service) SubmitRequest(ctx context.Context, actorID string, in ledger.RequestInput) (blood.Request, error) {
	r, err := s.matcher.Submit(ctx, actorID, in)
	return r, s.denied(ctx, "submit_request", actorID, err)
}

// AttemptMatch tries to cover a pending request from the hospital's stock.
func (s *Service) AttemptMatch(ctx context.Context, requestID, actorID string) (ledger.MatchResult, error) {
	if actorID == "" {
		return ledger.MatchResult{}, blood.Forbidden("anonymous callers may not match requests")
	}
	res, err := s.matcher.AttemptMatch(ctx, requestID, actorID)
	if err != nil {
		return ledger.MatchResult{}, s.denied(ctx, "attempt_match", actorID, err)
	}
	s.publishMatch(res)
	return res, nil
}

func (s *Service) publishMatch(res ledger.MatchResult) {
	r := res.Request
	var total int64
	for _, a := range res.Allocations {
		total += a.QuantityML
	}
	s.events.Publish(stream.Event{
		Type:        stream.RequestMatched,
		SubjectType: audit.SubjectRequest,
		SubjectID:   r.ID,
		HospitalID:  r.HospitalID,
		BloodType:   r.BloodType,
		QuantityML:  total,
		Status:      string(blood.RequestMatched),
	})
	if r.Status == blood.RequestFulfilled {
		s.publishRequest(stream.RequestFulfilled, r)
	}
}

func (s *Service) publishRequest(kind string, r blood.Request) {
	s.events.Publish(stream.Event{
		Type:        kind,
		SubjectType: audit.SubjectRequest,
		SubjectID:   r.ID,
		HospitalID:  r.HospitalID,
		BloodType:   r.BloodType,
		QuantityML:  r.QuantityML,
		Status:      string(r.Status),
	})
}

// CancelRequest cancels a pending or matched request. Units held by a matched
// request go back to stock.
func (s *Service) CancelRequest(ctx context.Context, requestID, actorID string) (blood.Request, error) {
	if actorID == "" {
		return blood.Request{}, blood.Forbidden("anonymous callers may not cancel requests")
	}
	r, err := s.matcher.Cancel(ctx, requestID, actorID)
	if err != nil {
		return blood.Request{}, s.denied(ctx, "cancel_request", actorID, err)
	}
	s.publishRequest(stream.RequestCancelled, r)
	return r, nil
}

// FulfillRequest marks a matched request as delivered.
func (s *Service) FulfillRequest(ctx context.Context, requestID, actorID string) (blood.Request, error) {
	if actorID == "" {
		return blood.Request{}, blood.Forbidden("anonymous callers may not fulfil requests")
	}
	r, err := s.matcher.Fulfill(ctx, requestID, actorID)
	if err != nil {
		return blood.Request{}, s.denied(ctx, "fulfill_request", actorID, err)
	}
	s.publishRequest(stream.RequestFulfilled, r)
	return r, nil
}

// StockView is one blood type's row in an inventory report.
type StockView struct {
	BloodType   blood.Type           `json:"blood_type"`
	QuantityML  int64                `json:"quantity_ml"`
	ReservedML  int64                `json:"reserved_ml"`
	AvailableML int64                `json:"available_ml"`
	Level       inventory.StockLevel `json:"level"`
	Halted      bool                 `json:"halted,omitempty"`
}

// InventoryReport lists a hospital's stock for every blood type.
type InventoryReport struct {
	HospitalID string               `json:"hospital_id"`
	Quantities map[blood.Type]int64 `json:"quantities"`
	Stock      []StockView          `json:"stock"`
	TotalML    int64                `json:"total_ml"`
}

// GetInventory reports committed stock per blood type; types never credited
// read as zero.
func (s *Service) GetInventory(ctx context.Context, hospitalID string) (InventoryReport, error) {
	if _, err := s.dir.Hospital(ctx, hospitalID); err != nil {
		return InventoryReport{}, err
	}
	rep := InventoryReport{
		HospitalID: hospitalID,
		Quantities: make(map[blood.Type]int64, len(blood.AllTypes)),
		Stock:      make([]StockView, 0, len(blood.AllTypes)),
	}
	for _, lvl := range s.inv.Levels(hospitalID) {
		k := inventory.Key{HospitalID: hospitalID, BloodType: lvl.BloodType}
		rep.Quantities[lvl.BloodType] = lvl.QuantityML
		rep.TotalML += lvl.QuantityML
		rep.Stock = append(rep.Stock, StockView{
			BloodType:   lvl.BloodType,
			QuantityML:  lvl.QuantityML,
			ReservedML:  lvl.ReservedML,
			AvailableML: lvl.AvailableML(),
			Level:       s.opts.Thresholds.Classify(lvl.QuantityML),
			Halted:      s.inv.Halted(k) != nil,
		})
	}
	return rep, nil
}

// GetAuditChain returns entries with from <= seq <= to. Admin only.
func (s *Service) GetAuditChain(ctx context.Context, actorID string, from, to uint64) ([]audit.Entry, error) {
	if !s.authz.HasRole(ctx, actorID, blood.RoleAdmin) {
		return nil, s.denied(ctx, "read_audit", actorID, blood.Forbidden("user %s may not read the audit chain", actorID))
	}
	entries, err := s.trail.Range(from, to)
	if errors.Is(err, audit.ErrInvalidRange) {
		return nil, blood.Invalid("%v", err)
	}
	return entries, err
}

// VerifyChain recomputes the chain over [from, to]. A mismatch raises an
// integrity alert. Admin only.
func (s *Service) VerifyChain(ctx context.Context, actorID string, from, to uint64) (audit.ChainReport, error) {
	if !s.authz.HasRole(ctx, actorID, blood.RoleAdmin) {
		return audit.ChainReport{}, s.denied(ctx, "verify_audit", actorID, blood.Forbidden("user %s may not verify the audit chain", actorID))
	}
	report, err := s.trail.VerifyChain(from, to)
	if errors.Is(err, audit.ErrInvalidRange) {
		return audit.ChainReport{}, blood.Invalid("%v", err)
	}
	if err != nil {
		return audit.ChainReport{}, err
	}
	if !report.OK {
		obs.RaiseAlert(obs.Alert{
			Subject: "audit",
			Key:     "seq",
			Err:     &blood.InvariantError{Subject: "audit", Detail: report.Reason},
		})
	}
	return report, nil
}

// GetDonation returns a donation to its donor, the credited hospital's owner
// or an admin.
func (s *Service) GetDonation(ctx context.Context, actorID, donationID string) (blood.Donation, error) {
	d, err := s.ledger.Get(ctx, donationID)
	if err != nil {
		return blood.Donation{}, err
	}
	if d.DonorID == actorID || s.authz.HasRole(ctx, actorID, blood.RoleAdmin) || s.ownsHospital(ctx, actorID, d.HospitalID) {
		return d, nil
	}
	return blood.Donation{}, s.denied(ctx, "get_donation", actorID, blood.Forbidden("user %s may not read donation %s", actorID, donationID))
}

// ListDonations lists the donor's own donations. Hospital staff see the
// donations credited to their facility; admins see everything.
func (s *Service) ListDonations(ctx context.Context, actorID string) ([]blood.Donation, error) {
	switch {
	case s.authz.HasRole(ctx, actorID, blood.RoleAdmin):
		return s.ledger.List(ctx, "", ""), nil
	case s.authz.HasRole(ctx, actorID, blood.RoleHospital):
		h, err := s.dir.OwnedBy(ctx, actorID)
		if err == nil {
			return s.ledger.List(ctx, "", h.ID), nil
		}
	}
	return s.ledger.List(ctx, actorID, ""), nil
}

// GetRequest returns a request to the owning hospital or an admin.
func (s *Service) GetRequest(ctx context.Context, actorID, requestID string) (blood.Request, error) {
	r, err := s.matcher.Get(ctx, requestID)
	if err != nil {
		return blood.Request{}, err
	}
	if s.authz.HasRole(ctx, actorID, blood.RoleAdmin) || s.ownsHospital(ctx, actorID, r.HospitalID) {
		return r, nil
	}
	return blood.Request{}, s.denied(ctx, "get_request", actorID, blood.Forbidden("user %s may not read request %s", actorID, requestID))
}

// ListRequests lists the actor's hospital requests, or every request for an
// admin.
func (s *Service) ListRequests(ctx context.Context, actorID string) ([]blood.Request, error) {
	if s.authz.HasRole(ctx, actorID, blood.RoleAdmin) {
		return s.matcher.List(ctx, ""), nil
	}
	h, err := s.dir.OwnedBy(ctx, actorID)
	if err != nil || !s.authz.HasRole(ctx, actorID, blood.RoleHospital) {
		return nil, s.denied(ctx, "list_requests", actorID, blood.Forbidden("user %s has no hospital", actorID))
	}
	return s.matcher.List(ctx, h.ID), nil
}

// ListHospitals returns every registered hospital.
func (s *Service) ListHospitals(context.Context) []blood.Hospital {
	return s.dir.Hospitals()
}

func (s *Service) ownsHospital(ctx context.Context, actorID, hospitalID string) bool {
	if hospitalID == "" {
		return false
	}
	h, err := s.dir.Hospital(ctx, hospitalID)
	return err == nil && s.authz.CanActFor(ctx, actorID, h.UserID, blood.RoleHospital)
}
