package httpapi

import (
	"net/http"
	"time"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/bank"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
)

type profileRequest struct {
	FullName      string `json:"full_name" validate:"required,max=200"`
	Email         string `json:"email" validate:"required,email"`
	BloodType     string `json:"blood_type"`
	Location      string `json:"location" validate:"max=200"`
	Phone         string `json:"phone" validate:"max=40"`
	WalletAddress string `json:"wallet_address" validate:"max=128"`
}

func (p profileRequest) input() (bank.ProfileInput, error) {
	in := bank.ProfileInput{
		FullName:      p.FullName,
		Email:         p.Email,
		Location:      p.Location,
		Phone:         p.Phone,
		WalletAddress: p.WalletAddress,
	}
	if p.BloodType != "" {
		bt, err := blood.ParseType(p.BloodType)
		if err != nil {
			return bank.ProfileInput{}, err
		}
		in.BloodType = &bt
	}
	return in, nil
}

type hospitalRequest struct {
	Name          string `json:"hospital_name" validate:"required,max=200"`
	LicenseNumber string `json:"license_number" validate:"required,max=64"`
	Address       string `json:"address" validate:"max=400"`
	City          string `json:"city" validate:"max=100"`
}

type roleRequest struct {
	Role string `json:"role" validate:"required,oneof=admin donor hospital"`
}

type rolesResponse struct {
	UserID string       `json:"user_id"`
	Roles  []blood.Role `json:"roles"`
}

func (a *API) registerProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !a.bind(w, r, &req) {
		return
	}
	in, err := req.input()
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	p, err := a.svc.RegisterProfile(r.Context(), actorOf(r), in)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.GetProfile(r.Context(), actorOf(r), r.PathValue("id"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !a.bind(w, r, &req) {
		return
	}
	in, err := req.input()
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	p, err := a.svc.UpdateProfile(r.Context(), actorOf(r), r.PathValue("id"), in)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) listHospitals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listResponse[blood.Hospital]{
		Items: a.svc.ListHospitals(r.Context()),
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) registerHospital(w http.ResponseWriter, r *http.Request) {
	var req hospitalRequest
	if !a.bind(w, r, &req) {
		return
	}
	h, err := a.svc.RegisterHospital(r.Context(), actorOf(r), bank.HospitalInput{
		Name:          req.Name,
		LicenseNumber: req.LicenseNumber,
		Address:       req.Address,
		City:          req.City,
	})
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (a *API) verifyHospital(w http.ResponseWriter, r *http.Request) {
	h, err := a.svc.VerifyHospital(r.Context(), actorOf(r), r.PathValue("id"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	roles, err := a.svc.RolesOf(r.Context(), actorOf(r), userID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rolesResponse{UserID: userID, Roles: roles})
}

func (a *API) grantRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !a.bind(w, r, &req) {
		return
	}
	a.changeRole(w, r, blood.Role(req.Role), true)
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, blood.Role(r.PathValue("role")), false)
}

func (a *API) changeRole(w http.ResponseWriter, r *http.Request, role blood.Role, grant bool) {
	userID := r.PathValue("id")
	actor := actorOf(r)
	var err error
	if grant {
		err = a.svc.GrantRole(r.Context(), actor, userID, role)
	} else {
		err = a.svc.RevokeRole(r.Context(), actor, userID, role)
	}
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	roles, err := a.svc.RolesOf(r.Context(), actor, userID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rolesResponse{UserID: userID, Roles: roles})
}
