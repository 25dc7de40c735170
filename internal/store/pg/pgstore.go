package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/audit"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/store"
)

// Store persists engine changesets to Postgres and reloads them on start.
type Store struct {
	db *sql.DB
}

var (
	_ store.Committer = (*Store)(nil)
	_ store.Loader    = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle. Tests pass a sqlmock connection.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Commit writes every row of cs in one serializable transaction.
func (s *Store) Commit(ctx context.Context, cs store.Changeset) error {
	if cs.Empty() {
		return nil
	}
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range cs.Profiles {
		if err := upsertProfile(ctx, tx, p); err != nil {
			return mapError(err, "profile", p.ID)
		}
	}
	for _, h := range cs.Hospitals {
		if err := upsertHospital(ctx, tx, h); err != nil {
			return mapError(err, "hospital", h.ID)
		}
	}
	for _, d := range cs.Donations {
		if err := upsertDonation(ctx, tx, d); err != nil {
			return mapError(err, "donation", d.ID)
		}
	}
	for _, r := range cs.Requests {
		if err := upsertRequest(ctx, tx, r); err != nil {
			return mapError(err, "request", r.ID)
		}
	}
	for _, lvl := range cs.Inventory {
		if _, err := tx.ExecContext(ctx, `
			insert into blood_inventory (hospital_id, blood_type, quantity_ml, last_updated)
			values ($1, $2::blood_type, $3, $4)
			on conflict (hospital_id, blood_type) do update
			set quantity_ml = excluded.quantity_ml, last_updated = excluded.last_updated
		`, lvl.HospitalID, string(lvl.BloodType), lvl.QuantityML, lvl.LastUpdated); err != nil {
			return mapError(err, "inventory", lvl.HospitalID+"/"+string(lvl.BloodType))
		}
	}
	for _, e := range cs.Audit {
		if _, err := tx.ExecContext(ctx, `
			insert into audit_entries (seq, subject_type, subject_id, prev_status, new_status, prev_hash, hash, created_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8)
		`, int64(e.Seq), e.SubjectType, e.SubjectID, e.PrevStatus, e.NewStatus, e.PrevHash, e.Hash, e.Timestamp); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return &blood.InvariantError{Subject: "audit", Detail: fmt.Sprintf("sequence %d already written", e.Seq)}
			}
			return mapError(err, "audit", e.SubjectID)
		}
	}
	if err := tx.Commit(); err != nil {
		return mapError(err, "changeset", "commit")
	}
	return nil
}

func upsertProfile(ctx context.Context, tx *sql.Tx, p blood.Profile) error {
	var bt sql.NullString
	if p.BloodType != nil {
		bt = sql.NullString{String: string(*p.BloodType), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		insert into profiles (id, full_name, email, blood_type, location, phone, wallet_address, created_at, updated_at)
		values ($1, $2, $3, $4::blood_type, $5, $6, $7, $8, $9)
		on conflict (id) do update
		set full_name = excluded.full_name, email = excluded.email, blood_type = excluded.blood_type,
			location = excluded.location, phone = excluded.phone, wallet_address = excluded.wallet_address,
			updated_at = excluded.updated_at
	`, p.ID, p.FullName, p.Email, bt, nullIfEmpty(p.Location), nullIfEmpty(p.Phone), nullIfEmpty(p.WalletAddress), p.CreatedAt, p.UpdatedAt)
	return err
}

func upsertHospital(ctx context.Context, tx *sql.Tx, h blood.Hospital) error {
	_, err := tx.ExecContext(ctx, `
		insert into hospitals (id, user_id, hospital_name, license_number, address, city, verified, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict (id) do update
		set hospital_name = excluded.hospital_name, address = excluded.address, city = excluded.city,
			verified = excluded.verified, updated_at = excluded.updated_at
	`, h.ID, h.UserID, h.Name, h.LicenseNumber, h.Address, h.City, h.Verified, h.CreatedAt, h.UpdatedAt)
	return err
}

func upsertDonation(ctx context.Context, tx *sql.Tx, d blood.Donation) error {
	_, err := tx.ExecContext(ctx, `
		insert into donations (id, donor_id, blood_type, quantity_ml, remaining_ml, donation_date, location, notes,
			status, hospital_id, verified_by, verified_at, audit_seq, audit_hash, created_at, updated_at)
		values ($1, $2, $3::blood_type, $4, $5, $6, $7, $8, $9::donation_status, $10, $11, $12, $13, $14, $15, $16)
		on conflict (id) do update
		set remaining_ml = excluded.remaining_ml, status = excluded.status, hospital_id = excluded.hospital_id,
			verified_by = excluded.verified_by, verified_at = excluded.verified_at,
			audit_seq = excluded.audit_seq, audit_hash = excluded.audit_hash, updated_at = excluded.updated_at
	`, d.ID, d.DonorID, string(d.BloodType), d.QuantityML, d.RemainingML, d.DonationDate, d.Location, nullIfEmpty(d.Notes),
		string(d.Status), nullIfEmpty(d.HospitalID), nullIfEmpty(d.VerifiedBy), nullTime(d.VerifiedAt),
		nullSeq(d.AuditSeq), nullIfEmpty(d.AuditHash), d.CreatedAt, d.UpdatedAt)
	return err
}

func upsertRequest(ctx context.Context, tx *sql.Tx, r blood.Request) error {
	allocs := []byte("[]")
	if len(r.Allocations) > 0 {
		b, err := json.Marshal(r.Allocations)
		if err != nil {
			return fmt.Errorf("marshal allocations: %w", err)
		}
		allocs = b
	}
	_, err := tx.ExecContext(ctx, `
		insert into blood_requests (id, hospital_id, patient_name, blood_type, quantity_ml, urgency, reason, status,
			matched_donation_id, allocations, audit_seq, created_at, updated_at, fulfilled_at)
		values ($1, $2, $3, $4::blood_type, $5, $6, $7, $8::request_status, $9, $10::jsonb, $11, $12, $13, $14)
		on conflict (id) do update
		set status = excluded.status, matched_donation_id = excluded.matched_donation_id,
			allocations = excluded.allocations, audit_seq = excluded.audit_seq,
			updated_at = excluded.updated_at, fulfilled_at = excluded.fulfilled_at
	`, r.ID, r.HospitalID, r.PatientName, string(r.BloodType), r.QuantityML, string(r.Urgency), r.Reason, string(r.Status),
		nullIfEmpty(r.MatchedDonationID), string(allocs), nullSeq(r.AuditSeq), r.CreatedAt, r.UpdatedAt, nullTime(r.FulfilledAt))
	return err
}

// Load reads every table into a snapshot. Audit entries come back ordered by
// sequence.
func (s *Store) Load(ctx context.Context) (store.Snapshot, error) {
	if s.db == nil {
		return store.Snapshot{}, errors.New("database connection unavailable")
	}
	var (
		snap store.Snapshot
		err  error
	)
	if snap.Profiles, err = s.loadProfiles(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load profiles: %w", err)
	}
	if snap.Hospitals, err = s.loadHospitals(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load hospitals: %w", err)
	}
	if snap.Donations, err = s.loadDonations(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load donations: %w", err)
	}
	if snap.Requests, err = s.loadRequests(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load requests: %w", err)
	}
	if snap.Inventory, err = s.loadInventory(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load inventory: %w", err)
	}
	if snap.Audit, err = s.loadAudit(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load audit: %w", err)
	}
	return snap, nil
}

func (s *Store) loadProfiles(ctx context.Context) ([]blood.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, full_name, email, blood_type::text, location, phone, wallet_address, created_at, updated_at
		from profiles
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blood.Profile
	for rows.Next() {
		var (
			p                      blood.Profile
			bt, loc, phone, wallet sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.FullName, &p.Email, &bt, &loc, &phone, &wallet, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if bt.Valid {
			t := blood.Type(bt.String)
			p.BloodType = &t
		}
		p.Location, p.Phone, p.WalletAddress = loc.String, phone.String, wallet.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadHospitals(ctx context.Context) ([]blood.Hospital, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, hospital_name, license_number, address, city, verified, created_at, updated_at
		from hospitals
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blood.Hospital
	for rows.Next() {
		var h blood.Hospital
		if err := rows.Scan(&h.ID, &h.UserID, &h.Name, &h.LicenseNumber, &h.Address, &h.City, &h.Verified, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) loadDonations(ctx context.Context) ([]blood.Donation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, donor_id, blood_type::text, quantity_ml, remaining_ml, donation_date, location, notes,
			status::text, hospital_id, verified_by, verified_at, audit_seq, audit_hash, created_at, updated_at
		from donations
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blood.Donation
	for rows.Next() {
		var (
			d                                 blood.Donation
			bt, status                        string
			notes, hospital, verifiedBy, hash sql.NullString
			verifiedAt                        sql.NullTime
			seq                               sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.DonorID, &bt, &d.QuantityML, &d.RemainingML, &d.DonationDate, &d.Location, &notes,
			&status, &hospital, &verifiedBy, &verifiedAt, &seq, &hash, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.BloodType, d.Status = blood.Type(bt), blood.DonationStatus(status)
		d.Notes, d.HospitalID, d.VerifiedBy, d.AuditHash = notes.String, hospital.String, verifiedBy.String, hash.String
		d.VerifiedAt = timePtr(verifiedAt)
		d.AuditSeq = uint64(seq.Int64)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) loadRequests(ctx context.Context) ([]blood.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, hospital_id, patient_name, blood_type::text, quantity_ml, urgency, reason, status::text,
			matched_donation_id, allocations, audit_seq, created_at, updated_at, fulfilled_at
		from blood_requests
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blood.Request
	for rows.Next() {
		var (
			r                   blood.Request
			bt, urgency, status string
			matched             sql.NullString
			allocs              []byte
			seq                 sql.NullInt64
			fulfilled           sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.HospitalID, &r.PatientName, &bt, &r.QuantityML, &urgency, &r.Reason, &status,
			&matched, &allocs, &seq, &r.CreatedAt, &r.UpdatedAt, &fulfilled); err != nil {
			return nil, err
		}
		r.BloodType, r.Urgency, r.Status = blood.Type(bt), blood.Urgency(urgency), blood.RequestStatus(status)
		r.MatchedDonationID = matched.String
		if len(allocs) > 0 {
			if err := json.Unmarshal(allocs, &r.Allocations); err != nil {
				return nil, fmt.Errorf("decode allocations of %s: %w", r.ID, err)
			}
		}
		if len(r.Allocations) == 0 {
			r.Allocations = nil
		}
		r.AuditSeq = uint64(seq.Int64)
		r.FulfilledAt = timePtr(fulfilled)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) loadInventory(ctx context.Context) ([]blood.InventoryLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		select hospital_id, blood_type::text, quantity_ml, last_updated
		from blood_inventory
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blood.InventoryLevel
	for rows.Next() {
		var (
			lvl blood.InventoryLevel
			bt  string
		)
		if err := rows.Scan(&lvl.HospitalID, &bt, &lvl.QuantityML, &lvl.LastUpdated); err != nil {
			return nil, err
		}
		lvl.BloodType = blood.Type(bt)
		out = append(out, lvl)
	}
	return out, rows.Err()
}

func (s *Store) loadAudit(ctx context.Context) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select seq, subject_type, subject_id, prev_status, new_status, prev_hash, hash, created_at
		from audit_entries
		order by seq asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e   audit.Entry
			seq int64
		)
		if err := rows.Scan(&seq, &e.SubjectType, &e.SubjectID, &e.PrevStatus, &e.NewStatus, &e.PrevHash, &e.Hash, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullSeq(seq uint64) sql.NullInt64 {
	if seq == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(seq), Valid: true}
}
