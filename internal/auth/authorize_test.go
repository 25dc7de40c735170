package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
)

type failingStore struct{ *MemoryRoleStore }

func (*failingStore) RolesOf(context.Context, string) ([]blood.Role, error) {
	return nil, errors.New("db down")
}

func TestAuthorizerRoles(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoleStore()
	_ = store.Grant(ctx, "u1", blood.RoleDonor)
	_ = store.Grant(ctx, "u1", blood.RoleHospital)
	az := NewAuthorizer(store)

	if !az.HasRole(ctx, "u1", blood.RoleHospital) {
		t.Fatal("expected hospital role")
	}
	if !az.HasRole(ctx, "u1", blood.RoleAdmin, blood.RoleDonor) {
		t.Fatal("expected any-of match on donor")
	}
	if az.HasRole(ctx, "u1", blood.RoleAdmin) {
		t.Fatal("unexpected admin role")
	}
	if got := len(az.RolesOf(ctx, "u1")); got != 2 {
		t.Fatalf("expected 2 roles, got %d", got)
	}

	if err := store.Revoke(ctx, "u1", blood.RoleHospital); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if az.HasRole(ctx, "u1", blood.RoleHospital) {
		t.Fatal("role should be revoked")
	}
	if err := store.Revoke(ctx, "u1", blood.RoleHospital); !errors.Is(err, blood.ErrNotFound) {
		t.Fatalf("revoking an unheld role: %v", err)
	}
}

func TestAuthorizerFailsClosed(t *testing.T) {
	ctx := context.Background()
	az := NewAuthorizer(NewMemoryRoleStore())
	if az.HasRole(ctx, "ghost", blood.RoleAdmin, blood.RoleDonor, blood.RoleHospital) {
		t.Fatal("unknown user must hold no roles")
	}
	if len(az.RolesOf(ctx, "")) != 0 {
		t.Fatal("blank user must hold no roles")
	}

	broken := NewAuthorizer(&failingStore{NewMemoryRoleStore()})
	if broken.HasRole(ctx, "u1", blood.RoleAdmin) {
		t.Fatal("store errors must deny")
	}
}

func TestCanActFor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoleStore()
	_ = store.Grant(ctx, "owner", blood.RoleHospital)
	_ = store.Grant(ctx, "other", blood.RoleHospital)
	_ = store.Grant(ctx, "root", blood.RoleAdmin)
	_ = store.Grant(ctx, "donor", blood.RoleDonor)
	az := NewAuthorizer(store)

	cases := []struct {
		actor string
		want  bool
	}{
		{"owner", true},
		{"other", false},
		{"root", true},
		{"donor", false},
		{"", false},
	}
	for _, tc := range cases {
		t.Run(tc.actor, func(t *testing.T) {
			if got := az.CanActFor(ctx, tc.actor, "owner", blood.RoleHospital); got != tc.want {
				t.Fatalf("CanActFor(%q)=%v, want %v", tc.actor, got, tc.want)
			}
		})
	}
}
