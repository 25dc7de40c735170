package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/auth"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
	pgErrInvalidTextRep      = "22P02"
	pgErrSerialization       = "40001"
)

// ErrConflict reports a concurrent writer; the caller may retry the operation.
var ErrConflict = errors.New("pg: concurrent update, retry")

var _ auth.RoleStore = (*Store)(nil)

// RolesOf lists the app_role values granted to userID.
func (s *Store) RolesOf(ctx context.Context, userID string) ([]blood.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select role::text
		from user_roles
		where user_id = $1
		order by role
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blood.Role
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, blood.Role(r))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Grant adds role to userID. Granting a held role is a no-op.
func (s *Store) Grant(ctx context.Context, userID string, role blood.Role) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role)
		values ($1, $2::app_role)
		on conflict (user_id, role) do nothing
	`, userID, string(role))
	return mapError(err, "role", userID)
}

// Revoke removes role from userID.
func (s *Store) Revoke(ctx context.Context, userID string, role blood.Role) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		delete from user_roles
		where user_id = $1 and role = $2::app_role
	`, userID, string(role))
	if err != nil {
		return mapError(err, "role", userID)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return blood.Missing("role "+string(role)+" of", userID)
	}
	return nil
}

// mapError translates constraint failures into engine sentinels.
func mapError(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return blood.Missing(kind, id)
	}
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		return blood.BadState("%s %s already exists", kind, id)
	case pgErrForeignKeyViolation:
		return blood.Invalid("%s %s references a missing row", kind, id)
	case pgErrInvalidTextRep:
		return blood.Invalid("%s %s: %s", kind, id, pgErr.Message)
	case pgErrCheckViolation:
		return &blood.InvariantError{Subject: kind, Detail: id + ": " + pgErr.ConstraintName}
	case pgErrSerialization:
		return ErrConflict
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
