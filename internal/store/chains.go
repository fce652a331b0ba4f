package store

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/cockroachdb/errors"

	"provisioner/internal/apperrors"
)

// CreateChain inserts a chain with its templates in the given order.
func (s *SQLite) CreateChain(ctx context.Context, c *Chain, templateIDs []int64) (err error) {
	if c.EstimatedHours <= 0 {
		c.EstimatedHours = 4
	}
	c.CreatedAt = s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin chain insert")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chains (slug, display_name, estimated_time_hours, created_at) VALUES (?, ?, ?, ?)`,
		c.Slug, c.DisplayName, c.EstimatedHours, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("chain", c.Slug, "slug already exists")
		}
		return errors.Wrapf(err, "create chain %s", c.Slug)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return errors.Wrap(err, "chain id")
	}

	for pos, tid := range templateIDs {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO chain_machines (chain_id, template_id, position) VALUES (?, ?, ?)`,
			c.ID, tid, pos,
		); err != nil {
			return errors.Wrapf(err, "add template %d to chain %s", tid, c.Slug)
		}
	}
	return errors.Wrap(tx.Commit(), "commit chain insert")
}

// ListChains returns every chain ordered by slug.
func (s *SQLite) ListChains(ctx context.Context) ([]Chain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, display_name, estimated_time_hours, created_at FROM chains ORDER BY slug`)
	if err != nil {
		return nil, errors.Wrap(err, "list chains")
	}
	defer rows.Close()

	var out []Chain
	for rows.Next() {
		var c Chain
		if err := rows.Scan(&c.ID, &c.Slug, &c.DisplayName, &c.EstimatedHours, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan chain")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate chains")
}

// GetChain loads a chain by ID.
func (s *SQLite) GetChain(ctx context.Context, id int64) (*Chain, error) {
	c := &Chain{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, display_name, estimated_time_hours, created_at FROM chains WHERE id = ?`, id,
	).Scan(&c.ID, &c.Slug, &c.DisplayName, &c.EstimatedHours, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("chain", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get chain %d", id)
	}
	return c, nil
}

// ChainMachines returns a chain's templates in position order.
func (s *SQLite) ChainMachines(ctx context.Context, chainID int64) ([]ChainMachine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cm.chain_id, cm.position,
			t.id, t.slug, t.display_name, t.provider_template_id, t.node, t.cpu, t.memory_mb, t.created_at
		FROM chain_machines cm
		JOIN machine_templates t ON t.id = cm.template_id
		WHERE cm.chain_id = ?
		ORDER BY cm.position, cm.id`, chainID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "list machines for chain %d", chainID)
	}
	defer rows.Close()

	var out []ChainMachine
	for rows.Next() {
		var cm ChainMachine
		t := &cm.Template
		if err := rows.Scan(&cm.ChainID, &cm.Position,
			&t.ID, &t.Slug, &t.DisplayName, &t.ProviderTemplateID, &t.Node, &t.CPU, &t.MemoryMB, &t.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan chain machine")
		}
		out = append(out, cm)
	}
	return out, errors.Wrap(rows.Err(), "iterate chain machines")
}

// CreateChainInstance inserts a chain instance and sets its ID.
func (s *SQLite) CreateChainInstance(ctx context.Context, ci *ChainInstance) error {
	if ci.Status == "" {
		ci.Status = StatusPending
	}
	now := s.timestamp()
	ci.CreatedAt, ci.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_instances (user_id, chain_id, status, error_message, started_at, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ci.UserID, ci.ChainID, ci.Status, ci.ErrorMessage, nullTime(ci.StartedAt), nullTime(ci.ExpiresAt), ci.CreatedAt, ci.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("chain instance", strconv.FormatInt(ci.UserID, 10),
				"user already has an instance of chain "+strconv.FormatInt(ci.ChainID, 10))
		}
		return errors.Wrap(err, "create chain instance")
	}
	ci.ID, err = res.LastInsertId()
	return errors.Wrap(err, "chain instance id")
}

const chainInstanceColumns = `id, user_id, chain_id, status, error_message, started_at, expires_at, created_at, updated_at`

func scanChainInstance(row scanner) (*ChainInstance, error) {
	var (
		ci               ChainInstance
		started, expires sql.NullTime
	)
	err := row.Scan(&ci.ID, &ci.UserID, &ci.ChainID, &ci.Status, &ci.ErrorMessage, &started, &expires, &ci.CreatedAt, &ci.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ci.StartedAt = timePtr(started)
	ci.ExpiresAt = timePtr(expires)
	return &ci, nil
}

// GetChainInstance loads a chain instance by ID.
func (s *SQLite) GetChainInstance(ctx context.Context, id int64) (*ChainInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chainInstanceColumns+` FROM chain_instances WHERE id = ?`, id)
	ci, err := scanChainInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("chain instance", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get chain instance %d", id)
	}
	return ci, nil
}

// FindUserChainInstance returns the user's instance of a chain.
func (s *SQLite) FindUserChainInstance(ctx context.Context, userID, chainID int64) (*ChainInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chainInstanceColumns+` FROM chain_instances WHERE user_id = ? AND chain_id = ?`, userID, chainID)
	ci, err := scanChainInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("chain instance", strconv.FormatInt(userID, 10)+"/"+strconv.FormatInt(chainID, 10))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find instance of chain %d for user %d", chainID, userID)
	}
	return ci, nil
}

// ListUserChainInstances returns a user's chain instances, newest first.
func (s *SQLite) ListUserChainInstances(ctx context.Context, userID int64) ([]ChainInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chainInstanceColumns+` FROM chain_instances WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "list chain instances for user %d", userID)
	}
	defer rows.Close()

	var out []ChainInstance
	for rows.Next() {
		ci, err := scanChainInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan chain instance")
		}
		out = append(out, *ci)
	}
	return out, errors.Wrap(rows.Err(), "iterate chain instances")
}

// UpdateChainInstance writes every mutable field of ci and bumps updated_at.
func (s *SQLite) UpdateChainInstance(ctx context.Context, ci *ChainInstance) error {
	ci.UpdatedAt = s.timestamp()
	res, err := s.db.ExecContext(ctx, `
		UPDATE chain_instances
		SET status = ?, error_message = ?, started_at = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		ci.Status, ci.ErrorMessage, nullTime(ci.StartedAt), nullTime(ci.ExpiresAt), ci.UpdatedAt, ci.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update chain instance %d", ci.ID)
	}
	return expectRow(res, apperrors.NotFound("chain instance", strconv.FormatInt(ci.ID, 10)))
}

// CreateChainMachineInstance inserts a chain machine instance and sets its ID.
func (s *SQLite) CreateChainMachineInstance(ctx context.Context, cmi *ChainMachineInstance) error {
	if cmi.Status == "" {
		cmi.Status = StatusPending
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_machine_instances (chain_instance_id, template_id, status, provider, provider_instance_id, assigned_ip)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cmi.ChainInstanceID, cmi.TemplateID, cmi.Status, cmi.Provider, cmi.ProviderInstanceID, cmi.AssignedIP,
	)
	if err != nil {
		return errors.Wrap(err, "create chain machine instance")
	}
	cmi.ID, err = res.LastInsertId()
	return errors.Wrap(err, "chain machine instance id")
}

// UpdateChainMachineInstance writes status, provider, provider id and address.
func (s *SQLite) UpdateChainMachineInstance(ctx context.Context, cmi *ChainMachineInstance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chain_machine_instances SET status = ?, provider = ?, provider_instance_id = ?, assigned_ip = ? WHERE id = ?`,
		cmi.Status, cmi.Provider, cmi.ProviderInstanceID, cmi.AssignedIP, cmi.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update chain machine instance %d", cmi.ID)
	}
	return expectRow(res, apperrors.NotFound("chain machine instance", strconv.FormatInt(cmi.ID, 10)))
}

// ListChainMachineInstances returns the machines started for a chain instance.
func (s *SQLite) ListChainMachineInstances(ctx context.Context, chainInstanceID int64) ([]ChainMachineInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain_instance_id, template_id, status, provider, provider_instance_id, assigned_ip
		FROM chain_machine_instances WHERE chain_instance_id = ? ORDER BY id`, chainInstanceID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "list machines for chain instance %d", chainInstanceID)
	}
	defer rows.Close()

	var out []ChainMachineInstance
	for rows.Next() {
		var cmi ChainMachineInstance
		if err := rows.Scan(&cmi.ID, &cmi.ChainInstanceID, &cmi.TemplateID, &cmi.Status, &cmi.Provider, &cmi.ProviderInstanceID, &cmi.AssignedIP); err != nil {
			return nil, errors.Wrap(err, "scan chain machine instance")
		}
		out = append(out, cmi)
	}
	return out, errors.Wrap(rows.Err(), "iterate chain machine instances")
}
