package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/audit"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/auth"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/ledger"
)

type submitDonationRequest struct {
	BloodType    string    `json:"blood_type" validate:"required"`
	QuantityML   int64     `json:"quantity_ml" validate:"gt=0"`
	DonationDate time.Time `json:"donation_date" validate:"required"`
	Location     string    `json:"location" validate:"required,max=200"`
	Notes        string    `json:"notes" validate:"max=2000"`
}

type verifyDonationRequest struct {
	HospitalID string `json:"hospital_id"`
}

type submitRequestRequest struct {
	HospitalID  string `json:"hospital_id" validate:"required"`
	PatientName string `json:"patient_name" validate:"required,max=200"`
	BloodType   string `json:"blood_type" validate:"required"`
	QuantityML  int64  `json:"quantity_ml" validate:"gt=0"`
	Urgency     string `json:"urgency" validate:"omitempty,oneof=critical urgent normal"`
	Reason      string `json:"reason" validate:"max=2000"`
}

type listResponse[T any] struct {
	Items []T       `json:"items"`
	AsOf  time.Time `json:"as_of"`
}

type chainResponse struct {
	Items []audit.Entry `json:"items"`
	From  uint64        `json:"from"`
	To    uint64        `json:"to"`
}

func actorOf(r *http.Request) string {
	actor, _ := auth.ActorFromContext(r.Context())
	return actor
}

func (a *API) submitDonation(w http.ResponseWriter, r *http.Request) {
	var req submitDonationRequest
	if !a.bind(w, r, &req) {
		return
	}
	bt, err := blood.ParseType(req.BloodType)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	actor := actorOf(r)
	a.idempotent(w, r, "donation", func() (string, any, error) {
		d, err := a.svc.SubmitDonation(r.Context(), actor, ledger.DonationInput{
			BloodType:    bt,
			QuantityML:   req.QuantityML,
			DonationDate: req.DonationDate,
			Location:     req.Location,
			Notes:        req.Notes,
		})
		return d.ID, d, err
	}, func(id string) (any, error) {
		return a.svc.GetDonation(r.Context(), actor, id)
	})
}

func (a *API) listDonations(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.ListDonations(r.Context(), actorOf(r))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[blood.Donation]{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) getDonation(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.GetDonation(r.Context(), actorOf(r), r.PathValue("id"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) verifyDonation(w http.ResponseWriter, r *http.Request) {
	var req verifyDonationRequest
	if r.ContentLength > 0 {
		if !a.bind(w, r, &req) {
			return
		}
	}
	d, err := a.svc.VerifyDonation(r.Context(), r.PathValue("id"), actorOf(r), strings.TrimSpace(req.HospitalID))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) submitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequestRequest
	if !a.bind(w, r, &req) {
		return
	}
	bt, err := blood.ParseType(req.BloodType)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	urgency, err := blood.ParseUrgency(req.Urgency)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	actor := actorOf(r)
	a.idempotent(w, r, "request", func() (string, any, error) {
		br, err := a.svc.SubmitRequest(r.Context(), actor, ledger.RequestInput{
			HospitalID:  req.HospitalID,
			PatientName: req.PatientName,
			BloodType:   bt,
			QuantityML:  req.QuantityML,
			Urgency:     urgency,
			Reason:      req.Reason,
		})
		return br.ID, br, err
	}, func(id string) (any, error) {
		return a.svc.GetRequest(r.Context(), actor, id)
	})
}

func (a *API) listRequests(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.ListRequests(r.Context(), actorOf(r))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[blood.Request]{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) getRequest(w http.ResponseWriter, r *http.Request) {
	br, err := a.svc.GetRequest(r.Context(), actorOf(r), r.PathValue("id"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, br)
}

func (a *API) matchRequest(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.AttemptMatch(r.Context(), r.PathValue("id"), actorOf(r))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) cancelRequest(w http.ResponseWriter, r *http.Request) {
	br, err := a.svc.CancelRequest(r.Context(), r.PathValue("id"), actorOf(r))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, br)
}

func (a *API) fulfillRequest(w http.ResponseWriter, r *http.Request) {
	br, err := a.svc.FulfillRequest(r.Context(), r.PathValue("id"), actorOf(r))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, br)
}

func (a *API) getInventory(w http.ResponseWriter, r *http.Request) {
	rep, err := a.svc.GetInventory(r.Context(), r.PathValue("id"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) getAuditChain(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.svc.GetAuditChain(r.Context(), actorOf(r), from, to)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chainResponse{Items: entries, From: from, To: to})
}

func (a *API) verifyAuditChain(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	report, err := a.svc.VerifyChain(r.Context(), actorOf(r), from, to)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// parseRange reads from/to; zero means the chain's first or last entry.
func parseRange(r *http.Request) (uint64, uint64, error) {
	q := r.URL.Query()
	from, err := parseSeq(q.Get("from"), "from")
	if err != nil {
		return 0, 0, err
	}
	to, err := parseSeq(q.Get("to"), "to")
	if err != nil {
		return 0, 0, err
	}
	return from, to, nil
}

func parseSeq(raw, name string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return v, nil
}
