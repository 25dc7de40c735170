// Package bank is the engine facade consumed by transports. Every operation
// takes the acting user's id explicitly; roles are resolved through the
// authorizer on each call.
package bank

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/audit"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/auth"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/ids"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/inventory"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/ledger"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/obs"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/store"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/stream"
)

// Options tune engine policy. By default a successful match fulfils the
// request in the same commit; ManualFulfill keeps matched requests open until
// FulfillRequest, which also leaves them cancellable.
type Options struct {
	ShelfLife       time.Duration
	ReservationTTL  time.Duration
	AllowFallback   bool
	ManualFulfill   bool
	RematchOnCredit bool
	SecurityAudit   bool
	Thresholds      inventory.Thresholds
	Clock           func() time.Time
}

// Service wires the engine components together.
type Service struct {
	opts    Options
	authz   *auth.Authorizer
	roles   auth.RoleStore
	dir     *Directory
	inv     *inventory.Store
	trail   *audit.Trail
	ledger  *ledger.Ledger
	matcher *ledger.Matcher
	events  *stream.Stream
	store   store.Committer

	dirMu      sync.Mutex
	stopAlerts func()
}

// New builds an engine persisting through st. A nil st keeps everything in
// memory; a nil roles store uses an in-memory relation.
func New(st store.Committer, roles auth.RoleStore, events *stream.Stream, opts Options) *Service {
	if st == nil {
		st = store.Nop{}
	}
	if roles == nil {
		roles = auth.NewMemoryRoleStore()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Thresholds == (inventory.Thresholds{}) {
		opts.Thresholds = inventory.DefaultThresholds
	}
	s := &Service{
		opts:   opts,
		authz:  auth.NewAuthorizer(roles),
		roles:  roles,
		dir:    NewDirectory(),
		inv:    inventory.New(inventory.WithTTL(opts.ReservationTTL), inventory.WithClock(opts.Clock)),
		trail:  audit.NewTrail(audit.WithClock(opts.Clock)),
		events: events,
		store:  st,
	}
	s.ledger = ledger.New(ledger.Deps{
		Inventory:  s.inv,
		Trail:      s.trail,
		Authorizer: s.authz,
		Hospitals:  s.dir,
		Store:      st,
		Clock:      opts.Clock,
	}, ledger.WithShelfLife(opts.ShelfLife))
	s.matcher = ledger.NewMatcher(s.ledger,
		ledger.WithFallback(opts.AllowFallback),
		ledger.WithAutoFulfill(!opts.ManualFulfill),
	)
	s.stopAlerts = func() {}
	if events != nil {
		s.stopAlerts = obs.OnAlert(func(a obs.Alert) {
			detail := ""
			if a.Err != nil {
				detail = a.Err.Error()
			}
			events.Publish(stream.Event{
				Type:        stream.InvariantViolation,
				SubjectType: a.Subject,
				SubjectID:   a.Key,
				Detail:      detail,
			})
		})
	}
	return s
}

// Close detaches the service from process-wide alerts. It is safe to call
// more than once.
func (s *Service) Close() { s.stopAlerts() }

// Authorizer exposes role lookups to transports.
func (s *Service) Authorizer() *auth.Authorizer { return s.authz }

// Directory exposes profile and hospital lookups.
func (s *Service) Directory() *Directory { return s.dir }

func (s *Service) now() time.Time { return s.opts.Clock().UTC() }

// denied writes permission failures to the security log when enabled.
func (s *Service) denied(ctx context.Context, op, actorID string, err error) error {
	if err != nil && s.opts.SecurityAudit && errors.Is(err, blood.ErrPermission) {
		_ = audit.LogEvent(ctx, "permission_denied", map[string]any{
			"operation": op,
			"actor_id":  actorID,
			"reason":    err.Error(),
		})
	}
	return err
}

// Restore loads durable state and verifies it before serving.
func (s *Service) Restore(ctx context.Context, loader store.Loader) error {
	snap, err := loader.Load(ctx)
	if err != nil {
		return err
	}
	s.dir.Restore(snap.Profiles, snap.Hospitals)
	s.inv.Restore(snap.Inventory)
	s.ledger.Restore(snap.Donations)
	s.matcher.Restore(snap.Requests)
	report, err := s.trail.Load(snap.Audit)
	if err != nil {
		return err
	}
	if !report.OK {
		err := &blood.InvariantError{Subject: "audit", Detail: report.Reason}
		obs.RaiseAlert(obs.Alert{Subject: "audit", Key: "seq", Err: err})
		return err
	}
	obs.AuditSequence.Set(float64(s.trail.Len()))
	for _, err := range s.ledger.Reconcile() {
		obs.Logger().Error().Err(err).Msg("inventory reconciliation failed")
	}
	return nil
}

// BootstrapAdmin grants the admin role without an acting admin. It is only
// reachable from process configuration.
func (s *Service) BootstrapAdmin(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	return s.roles.Grant(ctx, userID, blood.RoleAdmin)
}

// ProfileInput carries profile fields supplied at signup or update.
type ProfileInput struct {
	FullName      string
	Email         string
	BloodType     *blood.Type
	Location      string
	Phone         string
	WalletAddress string
}

func (in ProfileInput) validate() error {
	if strings.TrimSpace(in.FullName) == "" {
		return blood.Invalid("full name is required")
	}
	if !strings.Contains(in.Email, "@") {
		return blood.Invalid("email %q is malformed", in.Email)
	}
	if in.BloodType != nil && !in.BloodType.Valid() {
		return blood.Invalid("unknown blood type %q", *in.BloodType)
	}
	return nil
}

// RegisterProfile creates the actor's own profile and grants the donor role.
func (s *Service) RegisterProfile(ctx context.Context, actorID string, in ProfileInput) (blood.Profile, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return blood.Profile{}, blood.Invalid("actor id is required")
	}
	if err := in.validate(); err != nil {
		return blood.Profile{}, err
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if _, err := s.dir.Profile(ctx, actorID); err == nil {
		return blood.Profile{}, blood.BadState("profile %s already exists", actorID)
	}
	now := s.now()
	p := blood.Profile{
		ID:            actorID,
		FullName:      strings.TrimSpace(in.FullName),
		Email:         strings.ToLower(strings.TrimSpace(in.Email)),
		BloodType:     in.BloodType,
		Location:      strings.TrimSpace(in.Location),
		Phone:         strings.TrimSpace(in.Phone),
		WalletAddress: strings.TrimSpace(in.WalletAddress),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Commit(ctx, store.Changeset{Profiles: []blood.Profile{p}}); err != nil {
		return blood.Profile{}, err
	}
	s.dir.putProfile(p)
	if err := s.roles.Grant(ctx, actorID, blood.RoleDonor); err != nil {
		return blood.Profile{}, err
	}
	return p, nil
}

// UpdateProfile lets the owner or an admin change a profile.
func (s *Service) UpdateProfile(ctx context.Context, actorID, profileID string, in ProfileInput) (blood.Profile, error) {
	if actorID != profileID && !s.authz.HasRole(ctx, actorID, blood.RoleAdmin) {
		return blood.Profile{}, s.denied(ctx, "update_profile", actorID, blood.Forbidden("user %s may not edit profile %s", actorID, profileID))
	}
	if err := in.validate(); err != nil {
		return blood.Profile{}, err
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	p, err := s.dir.Profile(ctx, profileID)
	if err != nil {
		return blood.Profile{}, err
	}
	p.FullName = strings.TrimSpace(in.FullName)
	p.Email = strings.ToLower(strings.TrimSpace(in.Email))
	p.BloodType = in.BloodType
	p.Location = strings.TrimSpace(in.Location)
	p.Phone = strings.TrimSpace(in.Phone)
	p.WalletAddress = strings.TrimSpace(in.WalletAddress)
	p.UpdatedAt = s.now()
	if err := s.store.Commit(ctx, store.Changeset{Profiles: []blood.Profile{p}}); err != nil {
		return blood.Profile{}, err
	}
	s.dir.putProfile(p)
	return p, nil
}

// GetProfile returns a profile to its owner or an admin.
func (s *Service) GetProfile(ctx context.Context, actorID, profileID string) (blood.Profile, error) {
	if actorID != profileID && !s.authz.HasRole(ctx, actorID, blood.RoleAdmin) {
		return blood.Profile{}, s.denied(ctx, "get_profile", actorID, blood.Forbidden("user %s may not read profile %s", actorID, profileID))
	}
	return s.dir.Profile(ctx, profileID)
}

// HospitalInput carries facility details supplied at signup.
type HospitalInput struct {
	Name          string
	LicenseNumber string
	Address       string
	City          string
}

// RegisterHospital creates an unverified hospital owned by the actor and
// grants the hospital role.
func (s *Service) RegisterHospital(ctx context.Context, actorID string, in HospitalInput) (blood.Hospital, error) {
	actorID = strings.TrimSpace(actorID)
	switch {
	case actorID == "":
		return blood.Hospital{}, blood.Invalid("actor id is required")
	case strings.TrimSpace(in.Name) == "":
		return blood.Hospital{}, blood.Invalid("hospital name is required")
	case strings.TrimSpace(in.LicenseNumber) == "":
		return blood.Hospital{}, blood.Invalid("license number is required")
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if h, err := s.dir.OwnedBy(ctx, actorID); err == nil {
		return blood.Hospital{}, blood.BadState("user %s already registered hospital %s", actorID, h.ID)
	}
	now := s.now()
	h := blood.Hospital{
		ID:            ids.NewKind(ids.Hospital),
		UserID:        actorID,
		Name:          strings.TrimSpace(in.Name),
		LicenseNumber: strings.TrimSpace(in.LicenseNumber),
		Address:       strings.TrimSpace(in.Address),
		City:          strings.TrimSpace(in.City),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Commit(ctx, store.Changeset{Hospitals: []blood.Hospital{h}}); err != nil {
		return blood.Hospital{}, err
	}
	s.dir.putHospital(h)
	if err := s.roles.Grant(ctx, actorID, blood.RoleHospital); err != nil {
		return blood.Hospital{}, err
	}
	return h, nil
}

// VerifyHospital flips the verified flag. Admin only; recorded in the trail.
func (s *Service) VerifyHospital(ctx context.Context, actorID, hospitalID string) (blood.Hospital, error) {
	if !s.authz.HasRole(ctx, actorID, blood.RoleAdmin) {
		return blood.Hospital{}, s.denied(ctx, "verify_hospital", actorID, blood.Forbidden("user %s may not verify hospitals", actorID))
	}
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	h, err := s.dir.Hospital(ctx, hospitalID)
	if err != nil {
		return blood.Hospital{}, err
	}
	if h.Verified {
		return blood.Hospital{}, blood.BadState("hospital %s is already verified", h.ID)
	}
	h.Verified = true
	h.UpdatedAt = s.now()
	entries, err := s.trail.Commit(ctx, func(ctx context.Context, entries []audit.Entry) error {
		if err := s.store.Commit(ctx, store.Changeset{Hospitals: []blood.Hospital{h}, Audit: entries}); err != nil {
			return err
		}
		s.dir.putHospital(h)
		return nil
	}, audit.Transition{
		SubjectType: audit.SubjectHospital,
		SubjectID:   h.ID,
		PrevStatus:  "unverified",
		NewStatus:   "verified",
	})
	if err != nil {
		return blood.Hospital{}, err
	}
	obs.AuditSequence.Set(float64(entries[len(entries)-1].Seq))
	return h, nil
}

// GrantRole adds a role to userID. Admin only.
func (s *Service) GrantRole(ctx context.Context, actorID, userID string, role blood.Role) error {
	return s.changeRole(ctx, actorID, userID, role, true)
}

// RevokeRole removes a role from userID. Admin only.
func (s *Service) RevokeRole(ctx context.Context, actorID, userID string, role blood.Role) error {
	return s.changeRole(ctx, actorID, userID, role, false)
}

func (s *Service) changeRole(ctx context.Context, actorID, userID string, role blood.Role, grant bool) error {
	op := "revoke_role"
	if grant {
		op = "grant_role"
	}
	if !s.authz.HasRole(ctx, actorID, blood.RoleAdmin) {
		return s.denied(ctx, op, actorID, blood.Forbidden("user %s may not manage roles", actorID))
	}
	if strings.TrimSpace(userID) == "" {
		return blood.Invalid("user id is required")
	}
	if _, err := blood.ParseRole(string(role)); err != nil {
		return err
	}
	var err error
	if grant {
		err = s.roles.Grant(ctx, userID, role)
	} else {
		err = s.roles.Revoke(ctx, userID, role)
	}
	if err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, op, map[string]any{"user_id": userID, "role": string(role)})
	return nil
}

// RolesOf lists the roles held by userID to the user or an admin.
func (s *Service) RolesOf(ctx context.Context, actorID, userID string) ([]blood.Role, error) {
	if actorID != userID && !s.authz.HasRole(ctx, actorID, blood.RoleAdmin) {
		return nil, s.denied(ctx, "list_roles", actorID, blood.Forbidden("user %s may not read roles of %s", actorID, userID))
	}
	held := s.authz.RolesOf(ctx, userID)
	out := make([]blood.Role, 0, len(held))
	for _, r := range []blood.Role{blood.RoleAdmin, blood.RoleDonor, blood.RoleHospital} {
		if _, ok := held[r]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}
