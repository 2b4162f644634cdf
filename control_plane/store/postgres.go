package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend. Mutations that
// touch more than one row (service writes plus the stack version bump, slot
// switches, staging) run inside a single transaction so that readers never
// observe a bumped version without its corresponding row changes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool and
// verifies connectivity.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the control-plane tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS stacks (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	version             BIGINT NOT NULL DEFAULT 1,
	poll_interval       INT NOT NULL DEFAULT 30,
	security_mode       TEXT NOT NULL DEFAULT 'none',
	external_proxy_port INT NOT NULL DEFAULT 8080,
	heartbeat_interval  INT NOT NULL DEFAULT 30,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS services (
	id                    TEXT PRIMARY KEY,
	stack_id              TEXT NOT NULL REFERENCES stacks(id) ON DELETE CASCADE,
	name                  TEXT NOT NULL,
	service_type          TEXT NOT NULL DEFAULT 'git',
	git_url               TEXT NOT NULL DEFAULT '',
	git_ref               TEXT NOT NULL DEFAULT 'main',
	git_commit            TEXT NOT NULL DEFAULT '',
	git_ssh_key           TEXT NOT NULL DEFAULT '',
	docker_image          TEXT NOT NULL DEFAULT '',
	docker_run_args       TEXT NOT NULL DEFAULT '',
	build_command         TEXT NOT NULL DEFAULT '',
	run_command           TEXT NOT NULL DEFAULT '',
	runtime               TEXT NOT NULL DEFAULT '',
	dockerfile_path       TEXT NOT NULL DEFAULT '',
	docker_context        TEXT NOT NULL DEFAULT '',
	docker_container_port INT NOT NULL DEFAULT 0,
	image_retain_count    INT NOT NULL DEFAULT 0,
	base_image            TEXT NOT NULL DEFAULT '',
	language              TEXT NOT NULL DEFAULT 'auto',
	port                  INT NOT NULL,
	hostname              TEXT NOT NULL DEFAULT '',
	health_check_path     TEXT NOT NULL DEFAULT '',
	health_check_interval INT NOT NULL DEFAULT 30,
	environment_vars      JSONB,
	blue_green_mode       BOOLEAN NOT NULL DEFAULT FALSE,
	active_version_slot   TEXT NOT NULL DEFAULT 'blue',
	blue_version_id       TEXT NOT NULL DEFAULT '',
	green_version_id      TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (stack_id, name)
);
CREATE INDEX IF NOT EXISTS services_stack_id_idx ON services(stack_id);

CREATE TABLE IF NOT EXISTS service_versions (
	id             TEXT PRIMARY KEY,
	service_id     TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
	stack_id       TEXT NOT NULL REFERENCES stacks(id) ON DELETE CASCADE,
	commit_ref     TEXT NOT NULL,
	version_number INT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	healthy        BOOLEAN NOT NULL DEFAULT FALSE,
	is_active      BOOLEAN NOT NULL DEFAULT FALSE,
	built_at       TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS service_versions_service_id_idx ON service_versions(service_id);
CREATE INDEX IF NOT EXISTS service_versions_stack_id_idx ON service_versions(stack_id);

CREATE TABLE IF NOT EXISTS agents (
	id                TEXT PRIMARY KEY,
	stack_id          TEXT NOT NULL REFERENCES stacks(id) ON DELETE CASCADE,
	name              TEXT NOT NULL DEFAULT '',
	install_token     TEXT NOT NULL DEFAULT '',
	api_key_hash      TEXT NOT NULL DEFAULT '',
	hostname          TEXT NOT NULL DEFAULT '',
	ip_address        TEXT NOT NULL DEFAULT '',
	endpoint          TEXT NOT NULL DEFAULT '',
	security_mode     TEXT NOT NULL DEFAULT 'none',
	external_exposure TEXT NOT NULL DEFAULT 'none',
	tunnel_connected  BOOLEAN NOT NULL DEFAULT FALSE,
	status            TEXT NOT NULL DEFAULT 'pending',
	last_heartbeat_at TIMESTAMPTZ,
	last_seen_version BIGINT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS agents_stack_id_idx ON agents(stack_id);
CREATE INDEX IF NOT EXISTS agents_api_key_hash_idx ON agents(api_key_hash);

CREATE TABLE IF NOT EXISTS heartbeats (
	id              TEXT PRIMARY KEY,
	agent_id        TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	stack_version   BIGINT NOT NULL DEFAULT 0,
	agent_status    TEXT NOT NULL DEFAULT '',
	services_status JSONB,
	security_state  JSONB,
	system_info     JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS heartbeats_agent_id_idx ON heartbeats(agent_id, created_at DESC);

CREATE TABLE IF NOT EXISTS webhook_tokens (
	id           TEXT PRIMARY KEY,
	stack_id     TEXT NOT NULL REFERENCES stacks(id) ON DELETE CASCADE,
	token        TEXT NOT NULL UNIQUE,
	description  TEXT NOT NULL DEFAULT '',
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at   TIMESTAMPTZ,
	last_used_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS webhook_tokens_stack_id_idx ON webhook_tokens(stack_id);
`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// bumpStackVersion is the version ledger: a single atomic increment evaluated
// at the store layer, executed on the same transaction as the mutation it
// accompanies so concurrent bumps serialize without read-modify-write races.
func bumpStackVersion(ctx context.Context, tx pgx.Tx, stackID string) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx,
		`UPDATE stacks SET version = version + 1, updated_at = NOW() WHERE id = $1 RETURNING version`,
		stackID,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return version, err
}

// --- Stack operations ---

const stackColumns = `id, name, description, version, poll_interval, security_mode, external_proxy_port, heartbeat_interval, created_at, updated_at`

func scanStack(row pgx.Row) (*Stack, error) {
	var st Stack
	err := row.Scan(
		&st.ID, &st.Name, &st.Description, &st.Version, &st.PollInterval,
		&st.SecurityMode, &st.ExternalProxyPort, &st.HeartbeatInterval,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) CreateStack(ctx context.Context, stack *Stack) error {
	if stack.Version == 0 {
		stack.Version = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stacks (id, name, description, version, poll_interval, security_mode, external_proxy_port, heartbeat_interval)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		stack.ID, stack.Name, stack.Description, stack.Version, stack.PollInterval,
		stack.SecurityMode, stack.ExternalProxyPort, stack.HeartbeatInterval,
	)
	return err
}

func (s *PostgresStore) GetStack(ctx context.Context, stackID string) (*Stack, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stackColumns+` FROM stacks WHERE id = $1`, stackID)
	return scanStack(row)
}

func (s *PostgresStore) ListStacks(ctx context.Context) ([]*Stack, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stackColumns+` FROM stacks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stacks []*Stack
	for rows.Next() {
		st, err := scanStack(rows)
		if err != nil {
			return nil, err
		}
		stacks = append(stacks, st)
	}
	return stacks, rows.Err()
}

func (s *PostgresStore) UpdateStack(ctx context.Context, stackID string, upd StackUpdate) (*Stack, error) {
	// COALESCE keeps unset fields; the bump rides the same statement.
	row := s.pool.QueryRow(ctx, `
		UPDATE stacks SET
			name                = COALESCE($2, name),
			description         = COALESCE($3, description),
			poll_interval       = COALESCE($4, poll_interval),
			heartbeat_interval  = COALESCE($5, heartbeat_interval),
			security_mode       = COALESCE($6, security_mode),
			external_proxy_port = COALESCE($7, external_proxy_port),
			version             = version + 1,
			updated_at          = NOW()
		WHERE id = $1
		RETURNING `+stackColumns,
		stackID, upd.Name, upd.Description, upd.PollInterval,
		upd.HeartbeatInterval, upd.SecurityMode, upd.ExternalProxyPort,
	)
	return scanStack(row)
}

func (s *PostgresStore) DeleteStack(ctx context.Context, stackID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stacks WHERE id = $1`, stackID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Service operations ---

const serviceColumns = `id, stack_id, name, service_type, git_url, git_ref, git_commit, git_ssh_key,
	docker_image, docker_run_args, build_command, run_command, runtime, dockerfile_path, docker_context,
	docker_container_port, image_retain_count, base_image, language, port, hostname, health_check_path,
	health_check_interval, environment_vars, blue_green_mode, active_version_slot, blue_version_id,
	green_version_id, created_at, updated_at`

func scanService(row pgx.Row) (*Service, error) {
	var svc Service
	err := row.Scan(
		&svc.ID, &svc.StackID, &svc.Name, &svc.ServiceType, &svc.GitURL, &svc.GitRef,
		&svc.GitCommit, &svc.GitSSHKey, &svc.DockerImage, &svc.DockerRunArgs,
		&svc.BuildCommand, &svc.RunCommand, &svc.Runtime, &svc.DockerfilePath,
		&svc.DockerContext, &svc.DockerContainerPort, &svc.ImageRetainCount,
		&svc.BaseImage, &svc.Language, &svc.Port, &svc.Hostname, &svc.HealthCheckPath,
		&svc.HealthCheckInterval, &svc.EnvironmentVars, &svc.BlueGreenMode,
		&svc.ActiveVersionSlot, &svc.BlueVersionID, &svc.GreenVersionID,
		&svc.CreatedAt, &svc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *PostgresStore) CreateService(ctx context.Context, svc *Service) error {
	if svc.ActiveVersionSlot == "" {
		svc.ActiveVersionSlot = SlotBlue
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO services (id, stack_id, name, service_type, git_url, git_ref, git_commit, git_ssh_key,
				docker_image, docker_run_args, build_command, run_command, runtime, dockerfile_path, docker_context,
				docker_container_port, image_retain_count, base_image, language, port, hostname, health_check_path,
				health_check_interval, environment_vars, blue_green_mode, active_version_slot)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
			svc.ID, svc.StackID, svc.Name, svc.ServiceType, svc.GitURL, svc.GitRef, svc.GitCommit, svc.GitSSHKey,
			svc.DockerImage, svc.DockerRunArgs, svc.BuildCommand, svc.RunCommand, svc.Runtime, svc.DockerfilePath,
			svc.DockerContext, svc.DockerContainerPort, svc.ImageRetainCount, svc.BaseImage, svc.Language, svc.Port,
			svc.Hostname, svc.HealthCheckPath, svc.HealthCheckInterval, svc.EnvironmentVars, svc.BlueGreenMode,
			svc.ActiveVersionSlot,
		)
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" { // unknown stack
				return ErrNotFound
			}
			return err
		}
		_, err = bumpStackVersion(ctx, tx, svc.StackID)
		return err
	})
}

func (s *PostgresStore) GetService(ctx context.Context, stackID, serviceID string) (*Service, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = $1 AND stack_id = $2`,
		serviceID, stackID,
	)
	return scanService(row)
}

func (s *PostgresStore) ListServices(ctx context.Context, stackID string) ([]*Service, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE stack_id = $1 ORDER BY name ASC`,
		stackID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

func (s *PostgresStore) UpdateService(ctx context.Context, stackID, serviceID string, upd ServiceUpdate) (*Service, error) {
	var envVars map[string]string
	if upd.EnvironmentVars != nil {
		envVars = *upd.EnvironmentVars
		if envVars == nil {
			envVars = map[string]string{}
		}
	}

	var svc *Service
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE services SET
				name                  = COALESCE($3, name),
				service_type          = COALESCE($4, service_type),
				git_url               = COALESCE($5, git_url),
				git_ref               = COALESCE($6, git_ref),
				git_commit            = COALESCE($7, git_commit),
				git_ssh_key           = COALESCE($8, git_ssh_key),
				docker_image          = COALESCE($9, docker_image),
				docker_run_args       = COALESCE($10, docker_run_args),
				build_command         = COALESCE($11, build_command),
				run_command           = COALESCE($12, run_command),
				runtime               = COALESCE($13, runtime),
				dockerfile_path       = COALESCE($14, dockerfile_path),
				docker_context        = COALESCE($15, docker_context),
				docker_container_port = COALESCE($16, docker_container_port),
				image_retain_count    = COALESCE($17, image_retain_count),
				base_image            = COALESCE($18, base_image),
				language              = COALESCE($19, language),
				port                  = COALESCE($20, port),
				hostname              = COALESCE($21, hostname),
				health_check_path     = COALESCE($22, health_check_path),
				health_check_interval = COALESCE($23, health_check_interval),
				environment_vars      = COALESCE($24, environment_vars),
				updated_at            = NOW()
			WHERE id = $1 AND stack_id = $2
			RETURNING `+serviceColumns,
			serviceID, stackID, upd.Name, upd.ServiceType, upd.GitURL, upd.GitRef, upd.GitCommit,
			upd.GitSSHKey, upd.DockerImage, upd.DockerRunArgs, upd.BuildCommand, upd.RunCommand,
			upd.Runtime, upd.DockerfilePath, upd.DockerContext, upd.DockerContainerPort,
			upd.ImageRetainCount, upd.BaseImage, upd.Language, upd.Port, upd.Hostname,
			upd.HealthCheckPath, upd.HealthCheckInterval, envVars,
		)
		var scanErr error
		svc, scanErr = scanService(row)
		if isUniqueViolation(scanErr) {
			return ErrDuplicateName
		}
		if scanErr != nil {
			return scanErr
		}
		_, err := bumpStackVersion(ctx, tx, stackID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *PostgresStore) DeleteService(ctx context.Context, stackID, serviceID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM services WHERE id = $1 AND stack_id = $2`,
			serviceID, stackID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = bumpStackVersion(ctx, tx, stackID)
		return err
	})
}

// --- Blue/green version operations ---

const versionColumns = `id, service_id, stack_id, commit_ref, version_number, status, healthy, is_active, built_at, created_at`

func scanVersion(row pgx.Row) (*ServiceVersion, error) {
	var v ServiceVersion
	err := row.Scan(
		&v.ID, &v.ServiceID, &v.StackID, &v.CommitRef, &v.VersionNumber,
		&v.Status, &v.Healthy, &v.IsActive, &v.BuiltAt, &v.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, stackID, serviceID string, limit int) ([]*ServiceVersion, error) {
	if _, err := s.GetService(ctx, stackID, serviceID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = VersionRetainCount
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM service_versions WHERE service_id = $1 ORDER BY version_number DESC LIMIT $2`,
		serviceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*ServiceVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) ListStackVersions(ctx context.Context, stackID string) ([]*ServiceVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM service_versions WHERE stack_id = $1 ORDER BY version_number DESC`,
		stackID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*ServiceVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) GetVersion(ctx context.Context, serviceID, versionID string) (*ServiceVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM service_versions WHERE id = $1 AND service_id = $2`,
		versionID, serviceID,
	)
	return scanVersion(row)
}

func (s *PostgresStore) StageVersion(ctx context.Context, stackID, serviceID, versionID, commitRef string) (*ServiceVersion, error) {
	var version *ServiceVersion
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Lock the service row: the versionNumber sequence and the slot
		// assignment must not interleave with a concurrent staging.
		row := tx.QueryRow(ctx,
			`SELECT `+serviceColumns+` FROM services WHERE id = $1 AND stack_id = $2 FOR UPDATE`,
			serviceID, stackID,
		)
		svc, err := scanService(row)
		if err != nil {
			return err
		}

		row = tx.QueryRow(ctx, `
			INSERT INTO service_versions (id, service_id, stack_id, commit_ref, version_number, status, healthy, is_active)
			SELECT $1, $2, $3, $4, COALESCE(MAX(version_number), 0) + 1, 'pending', FALSE, FALSE
			FROM service_versions WHERE service_id = $2
			RETURNING `+versionColumns,
			versionID, serviceID, stackID, commitRef,
		)
		version, err = scanVersion(row)
		if err != nil {
			return err
		}

		if svc.BlueGreenMode {
			slotColumn := "green_version_id"
			if svc.ActiveVersionSlot.Other() == SlotBlue {
				slotColumn = "blue_version_id"
			}
			_, err = tx.Exec(ctx,
				`UPDATE services SET `+slotColumn+` = $2, updated_at = NOW() WHERE id = $1`,
				serviceID, versionID,
			)
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE services SET git_commit = $2, updated_at = NOW() WHERE id = $1`,
				serviceID, commitRef,
			)
		}
		if err != nil {
			return err
		}

		// Retention: prune rows beyond the most recent VersionRetainCount.
		_, err = tx.Exec(ctx, `
			DELETE FROM service_versions WHERE service_id = $1 AND id NOT IN (
				SELECT id FROM service_versions WHERE service_id = $1
				ORDER BY version_number DESC LIMIT $2
			)`,
			serviceID, VersionRetainCount,
		)
		if err != nil {
			return err
		}

		_, err = bumpStackVersion(ctx, tx, stackID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

func (s *PostgresStore) SetVersionHealth(ctx context.Context, stackID, serviceID, versionID string, healthy bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE service_versions SET
			healthy  = $4,
			status   = CASE WHEN $4 AND status IN ('pending', 'building') THEN 'ready' ELSE status END,
			built_at = CASE WHEN $4 AND built_at IS NULL THEN NOW() ELSE built_at END
		WHERE id = $1 AND service_id = $2 AND stack_id = $3`,
		versionID, serviceID, stackID, healthy,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetBlueGreenMode(ctx context.Context, stackID, serviceID string, enabled bool) (*Service, error) {
	var svc *Service
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE services SET blue_green_mode = $3, updated_at = NOW()
			WHERE id = $1 AND stack_id = $2
			RETURNING `+serviceColumns,
			serviceID, stackID, enabled,
		)
		var err error
		svc, err = scanService(row)
		if err != nil {
			return err
		}
		_, err = bumpStackVersion(ctx, tx, stackID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *PostgresStore) SwitchSlot(ctx context.Context, stackID, serviceID string, target Slot) (*ServiceVersion, error) {
	var version *ServiceVersion
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+serviceColumns+` FROM services WHERE id = $1 AND stack_id = $2 FOR UPDATE`,
			serviceID, stackID,
		)
		svc, err := scanService(row)
		if err != nil {
			return err
		}
		if !svc.BlueGreenMode {
			return ErrBlueGreenDisabled
		}
		targetID := svc.VersionID(target)
		if targetID == "" {
			return ErrSlotEmpty
		}
		return s.promote(ctx, tx, svc, targetID, &target, &version)
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

func (s *PostgresStore) RollbackVersion(ctx context.Context, stackID, serviceID, versionID string) (*ServiceVersion, error) {
	var version *ServiceVersion
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+serviceColumns+` FROM services WHERE id = $1 AND stack_id = $2 FOR UPDATE`,
			serviceID, stackID,
		)
		svc, err := scanService(row)
		if err != nil {
			return err
		}
		// Rollback keeps the slot labeling; only gitCommit and isActive move.
		return s.promote(ctx, tx, svc, versionID, nil, &version)
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// promote applies the health-gated activation of one version as a single
// conditional write set: the health predicate lives inside the UPDATE, so a
// concurrent health change cannot race between check and promotion. The
// surrounding transaction rolls the whole set back on any failure.
func (s *PostgresStore) promote(ctx context.Context, tx pgx.Tx, svc *Service, versionID string, slot *Slot, out **ServiceVersion) error {
	var tag pgconn.CommandTag
	var err error
	if slot != nil {
		tag, err = tx.Exec(ctx, `
			UPDATE services s SET active_version_slot = $3, git_commit = v.commit_ref, updated_at = NOW()
			FROM service_versions v
			WHERE s.id = $1 AND v.id = $2 AND v.service_id = s.id AND v.healthy`,
			svc.ID, versionID, *slot,
		)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE services s SET git_commit = v.commit_ref, updated_at = NOW()
			FROM service_versions v
			WHERE s.id = $1 AND v.id = $2 AND v.service_id = s.id AND v.healthy`,
			svc.ID, versionID,
		)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// The guard refused: either the version is unknown to this service
		// or it has not passed health verification.
		row := tx.QueryRow(ctx,
			`SELECT `+versionColumns+` FROM service_versions WHERE id = $1 AND service_id = $2`,
			versionID, svc.ID,
		)
		if _, err := scanVersion(row); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionUnhealthy
	}

	if _, err := tx.Exec(ctx,
		`UPDATE service_versions SET is_active = FALSE WHERE service_id = $1`, svc.ID,
	); err != nil {
		return err
	}
	row := tx.QueryRow(ctx,
		`UPDATE service_versions SET is_active = TRUE WHERE id = $1 RETURNING `+versionColumns,
		versionID,
	)
	version, err := scanVersion(row)
	if err != nil {
		return err
	}
	if _, err := bumpStackVersion(ctx, tx, svc.StackID); err != nil {
		return err
	}
	*out = version
	return nil
}

// --- Agent operations ---

const agentColumns = `id, stack_id, name, install_token, api_key_hash, hostname, ip_address, endpoint,
	security_mode, external_exposure, tunnel_connected, status, last_heartbeat_at, last_seen_version,
	created_at, updated_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID, &a.StackID, &a.Name, &a.InstallToken, &a.APIKeyHash, &a.Hostname,
		&a.IPAddress, &a.Endpoint, &a.SecurityMode, &a.ExternalExposure,
		&a.TunnelConnected, &a.Status, &a.LastHeartbeatAt, &a.LastSeenVersion,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.Status == "" {
		agent.Status = AgentStatusPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, stack_id, name, install_token, status)
		VALUES ($1, $2, $3, $4, $5)`,
		agent.ID, agent.StackID, agent.Name, agent.InstallToken, agent.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
	}
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, stackID, agentID string) (*Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND stack_id = $2`,
		agentID, stackID,
	)
	return scanAgent(row)
}

func (s *PostgresStore) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*Agent, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE api_key_hash = $1`, hash,
	)
	return scanAgent(row)
}

func (s *PostgresStore) GetAgentByInstallToken(ctx context.Context, token string) (*Agent, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE install_token = $1`, token,
	)
	return scanAgent(row)
}

func (s *PostgresStore) ListAgents(ctx context.Context, stackID string) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE stack_id = $1 ORDER BY created_at ASC`,
		stackID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, stackID, agentID string, upd AgentUpdate) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE agents SET
			name       = COALESCE($3, name),
			endpoint   = COALESCE($4, endpoint),
			updated_at = NOW()
		WHERE id = $1 AND stack_id = $2
		RETURNING `+agentColumns,
		agentID, stackID, upd.Name, upd.Endpoint,
	)
	return scanAgent(row)
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, stackID, agentID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agents WHERE id = $1 AND stack_id = $2`,
		agentID, stackID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ActivateAgent(ctx context.Context, agentID, apiKeyHash, hostname, ipAddress string) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE agents SET
			api_key_hash  = $2,
			install_token = '',
			hostname      = $3,
			ip_address    = $4,
			status        = 'online',
			updated_at    = NOW()
		WHERE id = $1
		RETURNING `+agentColumns,
		agentID, apiKeyHash, hostname, ipAddress,
	)
	return scanAgent(row)
}

// --- Heartbeat operations ---

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO heartbeats (id, agent_id, stack_version, agent_status, services_status, security_state, system_info)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			hb.ID, hb.AgentID, hb.StackVersion, hb.AgentStatus,
			hb.ServicesStatus, hb.SecurityState, hb.SystemInfo,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return ErrNotFound
			}
			return err
		}

		// Liveness mirror: lastSeenVersion only moves when reported, the
		// security posture only when the agent included it.
		var securityArgs []any
		query := `
			UPDATE agents SET
				last_heartbeat_at = NOW(),
				status            = 'online',
				last_seen_version = CASE WHEN $2 > 0 THEN $2 ELSE last_seen_version END,
				updated_at        = NOW()`
		securityArgs = append(securityArgs, hb.AgentID, hb.StackVersion)
		if hb.SecurityState != nil {
			query += `,
				security_mode     = $3,
				external_exposure = $4,
				tunnel_connected  = $5`
			securityArgs = append(securityArgs,
				hb.SecurityState.Mode, hb.SecurityState.ExternalExposure, hb.SecurityState.TunnelConnected)
		}
		query += ` WHERE id = $1`
		tag, err := tx.Exec(ctx, query, securityArgs...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) LatestHeartbeat(ctx context.Context, agentID string) (*Heartbeat, error) {
	var hb Heartbeat
	err := s.pool.QueryRow(ctx, `
		SELECT id, agent_id, stack_version, agent_status, services_status, security_state, system_info, created_at
		FROM heartbeats WHERE agent_id = $1 ORDER BY created_at DESC LIMIT 1`,
		agentID,
	).Scan(&hb.ID, &hb.AgentID, &hb.StackVersion, &hb.AgentStatus, &hb.ServicesStatus, &hb.SecurityState, &hb.SystemInfo, &hb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &hb, nil
}

// --- Webhook token operations ---

const tokenColumns = `id, stack_id, token, description, active, expires_at, last_used_at, created_at`

func scanToken(row pgx.Row) (*WebhookToken, error) {
	var tok WebhookToken
	err := row.Scan(
		&tok.ID, &tok.StackID, &tok.Token, &tok.Description, &tok.Active,
		&tok.ExpiresAt, &tok.LastUsedAt, &tok.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *PostgresStore) CreateWebhookToken(ctx context.Context, tok *WebhookToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_tokens (id, stack_id, token, description, active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tok.ID, tok.StackID, tok.Token, tok.Description, tok.Active, tok.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
	}
	return err
}

func (s *PostgresStore) ListWebhookTokens(ctx context.Context, stackID string) ([]*WebhookToken, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tokenColumns+` FROM webhook_tokens WHERE stack_id = $1 ORDER BY created_at DESC`,
		stackID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*WebhookToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) RevokeWebhookToken(ctx context.Context, stackID, tokenID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_tokens SET active = FALSE WHERE id = $1 AND stack_id = $2`,
		tokenID, stackID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ConsumeWebhookToken(ctx context.Context, stackID, token string) error {
	// Validation and the lastUsedAt stamp are one statement: a revoked or
	// expired token never gets stamped.
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_tokens SET last_used_at = NOW()
		WHERE stack_id = $1 AND token = $2 AND active AND (expires_at IS NULL OR expires_at > NOW())`,
		stackID, token,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenInvalid
	}
	return nil
}

// --- Internal helpers ---

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
