package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"membersync.org/internal/drive"
	"membersync.org/internal/recon"
)

// Store persists permission records and audit entries in PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ recon.RecordStore = (*Store)(nil)
	_ recon.AuditStore  = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle. Tests pass a mocked *sql.DB here.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const recordColumns = `id, profile_id, principal, resource_id, level, external_id,
	status, via, attempts, next_attempt_at, granted_at, revoked_at, updated_at`

func (s *Store) Create(ctx context.Context, rec recon.PermissionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into permission_records(`+recordColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.ID, rec.ProfileID, rec.Principal, rec.ResourceID, string(rec.Level),
		rec.ExternalID, string(rec.Status), string(rec.Via), rec.Attempts,
		nullTime(rec.NextAttemptAt), nullTime(rec.GrantedAt), nullTime(rec.RevokedAt), rec.UpdatedAt)
	return err
}

func (s *Store) Update(ctx context.Context, rec recon.PermissionRecord) error {
	res, err := s.db.ExecContext(ctx, `
		update permission_records
		set profile_id=$2, principal=$3, resource_id=$4, level=$5, external_id=$6,
		    status=$7, via=$8, attempts=$9, next_attempt_at=$10, granted_at=$11,
		    revoked_at=$12, updated_at=$13
		where id=$1
	`, rec.ID, rec.ProfileID, rec.Principal, rec.ResourceID, string(rec.Level),
		rec.ExternalID, string(rec.Status), string(rec.Via), rec.Attempts,
		nullTime(rec.NextAttemptAt), nullTime(rec.GrantedAt), nullTime(rec.RevokedAt), rec.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return recon.ErrRecordNotFound
	}
	return nil
}

func (s *Store) FindActive(ctx context.Context, principal, resourceID string) (recon.PermissionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+recordColumns+`
		from permission_records
		where principal=$1 and resource_id=$2 and status <> 'REVOKED'
		order by updated_at desc
		limit 1
	`, principal, resourceID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recon.PermissionRecord{}, false, nil
	}
	if err != nil {
		return recon.PermissionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) ActiveByResource(ctx context.Context, resourceID string) ([]recon.PermissionRecord, error) {
	return s.queryRecords(ctx, `
		select `+recordColumns+`
		from permission_records
		where resource_id=$1 and status <> 'REVOKED'
		order by id
	`, resourceID)
}

func (s *Store) ActiveByProfile(ctx context.Context, profileID string) ([]recon.PermissionRecord, error) {
	return s.queryRecords(ctx, `
		select `+recordColumns+`
		from permission_records
		where profile_id=$1 and status <> 'REVOKED'
		order by id
	`, profileID)
}

func (s *Store) ListByProfile(ctx context.Context, profileID string) ([]recon.PermissionRecord, error) {
	return s.queryRecords(ctx, `
		select `+recordColumns+`
		from permission_records
		where profile_id=$1
		order by id desc
	`, profileID)
}

func (s *Store) DueForRetry(ctx context.Context, now time.Time) ([]recon.PermissionRecord, error) {
	return s.queryRecords(ctx, `
		select `+recordColumns+`
		from permission_records
		where status='PENDING_RETRY' and next_attempt_at <= $1
		order by id
	`, now)
}

func (s *Store) ActiveResources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct resource_id
		from permission_records
		where status <> 'REVOKED'
		order by resource_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]recon.PermissionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recon.PermissionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (recon.PermissionRecord, error) {
	var (
		rec                        recon.PermissionRecord
		level, status, via         string
		nextAt, grantedAt, revoked sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.ProfileID, &rec.Principal, &rec.ResourceID,
		&level, &rec.ExternalID, &status, &via, &rec.Attempts,
		&nextAt, &grantedAt, &revoked, &rec.UpdatedAt)
	if err != nil {
		return recon.PermissionRecord{}, err
	}
	rec.Level = drive.Level(level)
	rec.Status = recon.RecordStatus(status)
	rec.Via = recon.Provenance(via)
	rec.NextAttemptAt = nextAt.Time
	rec.GrantedAt = grantedAt.Time
	rec.RevokedAt = revoked.Time
	return rec, nil
}

func (s *Store) Append(ctx context.Context, entry recon.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_entries(id, pass_id, profile_id, principal, resource_id,
			action, level, outcome, attempt, detail, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, entry.ID, entry.PassID, entry.ProfileID, entry.Principal, entry.ResourceID,
		string(entry.Action), string(entry.Level), string(entry.Outcome),
		entry.Attempt, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) Recent(ctx context.Context, filter recon.AuditFilter) ([]recon.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, pass_id, profile_id, principal, resource_id,
			action, level, outcome, attempt, detail, created_at
		from audit_entries
		where ($1 = '' or profile_id = $1)
		  and ($2 = '' or resource_id = $2)
		  and ($3 = '' or outcome = $3)
		order by created_at desc, id desc
		limit $4
	`, filter.ProfileID, filter.ResourceID, string(filter.Outcome), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recon.AuditEntry
	for rows.Next() {
		var (
			e                      recon.AuditEntry
			action, level, outcome string
		)
		if err := rows.Scan(&e.ID, &e.PassID, &e.ProfileID, &e.Principal, &e.ResourceID,
			&action, &level, &outcome, &e.Attempt, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = recon.ActionKind(action)
		e.Level = drive.Level(level)
		e.Outcome = recon.Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
