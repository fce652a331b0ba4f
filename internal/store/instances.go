package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"provisioner/internal/apperrors"
)

// CreateTemplate inserts a template and sets its ID.
func (s *SQLite) CreateTemplate(ctx context.Context, t *Template) error {
	t.CreatedAt = s.timestamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO machine_templates (slug, display_name, provider_template_id, node, cpu, memory_mb, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Slug, t.DisplayName, t.ProviderTemplateID, t.Node, t.CPU, t.MemoryMB, t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("template", t.Slug, "slug already exists")
		}
		return errors.Wrapf(err, "create template %s", t.Slug)
	}
	t.ID, err = res.LastInsertId()
	return errors.Wrap(err, "template id")
}

// GetTemplate loads a template by ID.
func (s *SQLite) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	t := &Template{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, display_name, provider_template_id, node, cpu, memory_mb, created_at
		FROM machine_templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.Slug, &t.DisplayName, &t.ProviderTemplateID, &t.Node, &t.CPU, &t.MemoryMB, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("template", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get template %d", id)
	}
	return t, nil
}

// ListTemplates returns every template ordered by slug.
func (s *SQLite) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, display_name, provider_template_id, node, cpu, memory_mb, created_at
		FROM machine_templates ORDER BY slug`)
	if err != nil {
		return nil, errors.Wrap(err, "list templates")
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Slug, &t.DisplayName, &t.ProviderTemplateID, &t.Node, &t.CPU, &t.MemoryMB, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan template")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate templates")
}

const instanceColumns = `id, user_id, template_id, status, provider, provider_instance_id, assigned_ip,
	error_message, started_at, expires_at, extended_count, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*MachineInstance, error) {
	var (
		mi               MachineInstance
		started, expires sql.NullTime
	)
	err := row.Scan(
		&mi.ID, &mi.UserID, &mi.TemplateID, &mi.Status, &mi.Provider, &mi.ProviderInstanceID, &mi.AssignedIP,
		&mi.ErrorMessage, &started, &expires, &mi.ExtendedCount, &mi.CreatedAt, &mi.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	mi.StartedAt = timePtr(started)
	mi.ExpiresAt = timePtr(expires)
	return &mi, nil
}

// CreateInstance inserts a machine instance and sets its ID.
// A second instance of the same template for a user is a conflict.
func (s *SQLite) CreateInstance(ctx context.Context, mi *MachineInstance) error {
	if mi.Status == "" {
		mi.Status = StatusPending
	}
	now := s.timestamp()
	mi.CreatedAt, mi.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO machine_instances (user_id, template_id, status, provider, provider_instance_id, assigned_ip,
			error_message, started_at, expires_at, extended_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mi.UserID, mi.TemplateID, mi.Status, mi.Provider, mi.ProviderInstanceID, mi.AssignedIP,
		mi.ErrorMessage, nullTime(mi.StartedAt), nullTime(mi.ExpiresAt), mi.ExtendedCount, mi.CreatedAt, mi.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("instance", strconv.FormatInt(mi.UserID, 10),
				"user already has an instance of template "+strconv.FormatInt(mi.TemplateID, 10))
		}
		return errors.Wrap(err, "create instance")
	}
	mi.ID, err = res.LastInsertId()
	return errors.Wrap(err, "instance id")
}

// GetInstance loads a machine instance by ID.
func (s *SQLite) GetInstance(ctx context.Context, id int64) (*MachineInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM machine_instances WHERE id = ?`, id)
	mi, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("instance", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get instance %d", id)
	}
	return mi, nil
}

// FindUserInstance returns the user's instance of a template.
func (s *SQLite) FindUserInstance(ctx context.Context, userID, templateID int64) (*MachineInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM machine_instances WHERE user_id = ? AND template_id = ?`, userID, templateID)
	mi, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("instance", strconv.FormatInt(userID, 10)+"/"+strconv.FormatInt(templateID, 10))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find instance of template %d for user %d", templateID, userID)
	}
	return mi, nil
}

// UpdateInstance writes every mutable field of mi and bumps updated_at.
func (s *SQLite) UpdateInstance(ctx context.Context, mi *MachineInstance) error {
	mi.UpdatedAt = s.timestamp()
	res, err := s.db.ExecContext(ctx, `
		UPDATE machine_instances
		SET status = ?, provider = ?, provider_instance_id = ?, assigned_ip = ?, error_message = ?,
			started_at = ?, expires_at = ?, extended_count = ?, updated_at = ?
		WHERE id = ?`,
		mi.Status, mi.Provider, mi.ProviderInstanceID, mi.AssignedIP, mi.ErrorMessage,
		nullTime(mi.StartedAt), nullTime(mi.ExpiresAt), mi.ExtendedCount, mi.UpdatedAt,
		mi.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update instance %d", mi.ID)
	}
	return expectRow(res, apperrors.NotFound("instance", strconv.FormatInt(mi.ID, 10)))
}

// SetInstanceStatus changes only the status and error message.
func (s *SQLite) SetInstanceStatus(ctx context.Context, id int64, status InstanceStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE machine_instances SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, s.timestamp(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "set instance %d status", id)
	}
	return expectRow(res, apperrors.NotFound("instance", strconv.FormatInt(id, 10)))
}

// ListExpiredInstances returns running instances whose expiry is before now.
func (s *SQLite) ListExpiredInstances(ctx context.Context, now time.Time) ([]MachineInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM machine_instances
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at`,
		StatusRunning, now.UTC(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list expired instances")
	}
	defer rows.Close()

	var out []MachineInstance
	for rows.Next() {
		mi, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan instance")
		}
		out = append(out, *mi)
	}
	return out, errors.Wrap(rows.Err(), "iterate instances")
}

// ListUserInstances returns a user's machine instances, newest first.
func (s *SQLite) ListUserInstances(ctx context.Context, userID int64) ([]MachineInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM machine_instances WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "list instances for user %d", userID)
	}
	defer rows.Close()

	var out []MachineInstance
	for rows.Next() {
		mi, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan instance")
		}
		out = append(out, *mi)
	}
	return out, errors.Wrap(rows.Err(), "iterate instances")
}
