package auth

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/obs"
)

// RoleStore is the user_roles relation.
type RoleStore interface {
	RolesOf(ctx context.Context, userID string) ([]blood.Role, error)
	Grant(ctx context.Context, userID string, role blood.Role) error
	Revoke(ctx context.Context, userID string, role blood.Role) error
}

// Authorizer resolves principals to capabilities. Every lookup fails closed:
// an unknown user or a store error yields no roles.
type Authorizer struct {
	store RoleStore
}

func NewAuthorizer(store RoleStore) *Authorizer {
	if store == nil {
		store = NewMemoryRoleStore()
	}
	return &Authorizer{store: store}
}

// Store exposes the underlying relation for role management.
func (a *Authorizer) Store() RoleStore { return a.store }

// RolesOf returns the set of roles granted to userID.
func (a *Authorizer) RolesOf(ctx context.Context, userID string) map[blood.Role]struct{} {
	set := map[blood.Role]struct{}{}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return set
	}
	roles, err := a.store.RolesOf(ctx, userID)
	if err != nil {
		obs.Logger().Warn().Err(err).Str("user_id", userID).Msg("role lookup failed, denying")
		return set
	}
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// HasRole reports whether userID holds at least one of roles.
func (a *Authorizer) HasRole(ctx context.Context, userID string, roles ...blood.Role) bool {
	held := a.RolesOf(ctx, userID)
	for _, r := range roles {
		if _, ok := held[r]; ok {
			return true
		}
	}
	return false
}

// CanActFor reports whether actorID may act on a resource owned by ownerID:
// admins always, otherwise the owner holding role.
func (a *Authorizer) CanActFor(ctx context.Context, actorID, ownerID string, role blood.Role) bool {
	held := a.RolesOf(ctx, actorID)
	if _, ok := held[blood.RoleAdmin]; ok {
		return true
	}
	if _, ok := held[role]; !ok {
		return false
	}
	return ownerID != "" && actorID == ownerID
}

// MemoryRoleStore keeps user_roles in process.
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]map[blood.Role]struct{}
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]map[blood.Role]struct{})}
}

func (s *MemoryRoleStore) RolesOf(_ context.Context, userID string) ([]blood.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.roles[userID]
	out := make([]blood.Role, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryRoleStore) Grant(_ context.Context, userID string, role blood.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.roles[userID]
	if !ok {
		set = make(map[blood.Role]struct{})
		s.roles[userID] = set
	}
	set[role] = struct{}{}
	return nil
}

func (s *MemoryRoleStore) Revoke(_ context.Context, userID string, role blood.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.roles[userID]
	if _, ok := set[role]; !ok {
		return blood.Missing("role "+string(role)+" of", userID)
	}
	delete(set, role)
	if len(set) == 0 {
		delete(s.roles, userID)
	}
	return nil
}
