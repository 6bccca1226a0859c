package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"membersync.org/internal/membership"
)

// Directory reads membership facts from the tables owned by the membership
// subsystem. Strictly read-only: reconciliation never writes here.
type Directory struct {
	db *sql.DB
}

var _ membership.Directory = (*Directory)(nil)

// NewDirectory wraps a handle, typically the same pool as the Store.
func NewDirectory(db *sql.DB) *Directory { return &Directory{db: db} }

func (d *Directory) ListProfiles(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `select id from profiles order by id`)
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

func (d *Directory) ProfileFacts(ctx context.Context, profileID string) (membership.Facts, error) {
	facts := membership.Facts{ProfileID: profileID}

	err := d.db.QueryRowContext(ctx,
		`select coalesce(email, '') from profiles where id=$1`, profileID).Scan(&facts.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.Facts{}, membership.ErrNotFound
	}
	if err != nil {
		return membership.Facts{}, err
	}

	if facts.Assignments, err = d.assignments(ctx, profileID); err != nil {
		return membership.Facts{}, fmt.Errorf("load assignments: %w", err)
	}
	if facts.Teams, err = d.teams(ctx, profileID); err != nil {
		return membership.Facts{}, fmt.Errorf("load teams: %w", err)
	}
	if facts.Consents, err = d.consents(ctx, profileID); err != nil {
		return membership.Facts{}, fmt.Errorf("load consents: %w", err)
	}
	if facts.Application, err = d.application(ctx, profileID); err != nil {
		return membership.Facts{}, fmt.Errorf("load application: %w", err)
	}
	return facts, nil
}

func (d *Directory) assignments(ctx context.Context, profileID string) ([]membership.RoleAssignment, error) {
	rows, err := d.db.QueryContext(ctx, `
		select role, start_date, end_date, active, removed
		from role_assignments
		where profile_id=$1
		order by start_date
	`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []membership.RoleAssignment
	for rows.Next() {
		a := membership.RoleAssignment{ProfileID: profileID}
		var role string
		if err := rows.Scan(&role, &a.StartDate, &a.EndDate, &a.Active, &a.Removed); err != nil {
			return nil, err
		}
		a.Role = membership.Role(role)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *Directory) teams(ctx context.Context, profileID string) ([]membership.TeamMembership, error) {
	rows, err := d.db.QueryContext(ctx, `
		select team_id, active
		from team_memberships
		where profile_id=$1
		order by team_id
	`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []membership.TeamMembership
	for rows.Next() {
		t := membership.TeamMembership{ProfileID: profileID}
		if err := rows.Scan(&t.TeamID, &t.Active); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *Directory) consents(ctx context.Context, profileID string) ([]membership.ConsentRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		select document_type, version_id, consented_at, active
		from consent_records
		where profile_id=$1
		order by consented_at
	`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []membership.ConsentRecord
	for rows.Next() {
		c := membership.ConsentRecord{ProfileID: profileID}
		if err := rows.Scan(&c.DocumentType, &c.VersionID, &c.ConsentedAt, &c.Active); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *Directory) application(ctx context.Context, profileID string) (*membership.Application, error) {
	app := membership.Application{ProfileID: profileID}
	var decision string
	err := d.db.QueryRowContext(ctx, `
		select decision, submitted_at
		from applications
		where profile_id=$1
		order by submitted_at desc
		limit 1
	`, profileID).Scan(&decision, &app.SubmittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	app.Decision = membership.ApplicationDecision(decision)
	return &app, nil
}

func (d *Directory) DocumentRequirements(ctx context.Context) ([]membership.DocumentRequirement, error) {
	rows, err := d.db.QueryContext(ctx, `
		select document_type, required_for_roles, current_version_id,
		       requires_reconsent, reconsent_deadline
		from document_requirements
		order by document_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []membership.DocumentRequirement
	for rows.Next() {
		var (
			req      membership.DocumentRequirement
			roles    string
			deadline sql.NullTime
		)
		if err := rows.Scan(&req.DocumentType, &roles, &req.CurrentVersionID,
			&req.RequiresReConsent, &deadline); err != nil {
			return nil, err
		}
		req.RequiredForRoles = splitRoles(roles)
		if deadline.Valid {
			t := deadline.Time
			req.ReConsentDeadline = &t
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// splitRoles parses the comma separated required_for_roles column.
func splitRoles(s string) []membership.Role {
	var out []membership.Role
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, membership.Role(part))
		}
	}
	return out
}

// Ping verifies connectivity with a bounded timeout.
func (d *Directory) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return d.db.PingContext(ctx)
}
