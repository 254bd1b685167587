package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tessera.org/internal/ids"
)

const pgUniqueViolation = "23505"

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. The single-active-version
// invariant is enforced twice: row locks serialize writers inside one
// transaction, and a partial unique index on (hub_key) where valid_to
// is null rejects any write that would leave two open versions.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

// Open connects to Postgres with pool settings tuned for the auth path.
func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewPGStore(db), nil
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) CreateHub(ctx context.Context, entityType, tenantKey, businessKey, recordSource string) (Hub, error) {
	if entityType == "" || businessKey == "" {
		return Hub{}, ErrInvalidInput
	}
	key := ids.Derive(entityType, tenantKey, businessKey)
	_, err := s.db.ExecContext(ctx,
		`insert into hubs(key, entity_type, tenant_key, business_key, record_source)
		 values($1,$2,$3,$4,$5)
		 on conflict (entity_type, tenant_key, business_key) do nothing`,
		key, entityType, tenantKey, businessKey, recordSource,
	)
	if err != nil {
		return Hub{}, err
	}
	return s.GetHub(ctx, key)
}

func (s *PGStore) GetHub(ctx context.Context, key string) (Hub, error) {
	row := s.db.QueryRowContext(ctx,
		`select key, entity_type, tenant_key, business_key, created_at, record_source
		 from hubs where key=$1`, key)
	return scanHub(row)
}

func (s *PGStore) FindHub(ctx context.Context, entityType, tenantKey, businessKey string) (Hub, error) {
	row := s.db.QueryRowContext(ctx,
		`select key, entity_type, tenant_key, business_key, created_at, record_source
		 from hubs where entity_type=$1 and tenant_key=$2 and business_key=$3`,
		entityType, tenantKey, businessKey)
	return scanHub(row)
}

func (s *PGStore) FindHubAny(ctx context.Context, entityType, businessKey string) (Hub, error) {
	row := s.db.QueryRowContext(ctx,
		`select key, entity_type, tenant_key, business_key, created_at, record_source
		 from hubs where entity_type=$1 and business_key=$2`,
		entityType, businessKey)
	return scanHub(row)
}

func (s *PGStore) HubsByType(ctx context.Context, entityType string) ([]Hub, error) {
	rows, err := s.db.QueryContext(ctx,
		`select key, entity_type, tenant_key, business_key, created_at, record_source
		 from hubs where entity_type=$1 order by created_at`, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Hub
	for rows.Next() {
		var hub Hub
		if err := rows.Scan(&hub.Key, &hub.EntityType, &hub.TenantKey, &hub.BusinessKey, &hub.CreatedAt, &hub.RecordSource); err != nil {
			return nil, err
		}
		res = append(res, hub)
	}
	return res, rows.Err()
}

func (s *PGStore) WriteVersion(ctx context.Context, hubKey string, attrs map[string]any, recordSource string) (Version, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	v, written, err := s.writeVersionTx(ctx, tx, hubKey, nil, attrs, recordSource)
	if err != nil {
		return Version{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Version{}, false, asConflict(err)
	}
	return v, written, nil
}

func (s *PGStore) WriteVersionIf(ctx context.Context, hubKey, expectedVersionID string, attrs map[string]any, recordSource string) (Version, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	v, written, err := s.writeVersionTx(ctx, tx, hubKey, &expectedVersionID, attrs, recordSource)
	if err != nil {
		return Version{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Version{}, false, asConflict(err)
	}
	return v, written, nil
}

// writeVersionTx closes the open version and inserts the next one. A
// non-nil expected id turns the write into a compare-and-swap against
// the open version id; a stale expectation returns ErrConflict.
func (s *PGStore) writeVersionTx(ctx context.Context, tx *sql.Tx, hubKey string, expected *string, attrs map[string]any, recordSource string) (Version, bool, error) {
	var exists bool
	if err := tx.QueryRowContext(ctx, `select true from hubs where key=$1 for update`, hubKey).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, false, ErrNotFound
		}
		return Version{}, false, err
	}

	fp := Fingerprint(attrs)
	now := s.now().UTC()

	var current Version
	var currentAttrs []byte
	err := tx.QueryRowContext(ctx,
		`select id, valid_from, fingerprint, attributes, record_source
		 from hub_versions where hub_key=$1 and valid_to is null for update`, hubKey).
		Scan(&current.ID, &current.ValidFrom, &current.Fingerprint, &currentAttrs, &current.RecordSource)
	switch {
	case err == nil:
		if expected != nil && *expected != current.ID {
			return Version{}, false, ErrConflict
		}
		if fp != "" && current.Fingerprint == fp {
			current.HubKey = hubKey
			_ = json.Unmarshal(currentAttrs, &current.Attributes)
			return current, false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`update hub_versions set valid_to=$1 where id=$2`, now, current.ID); err != nil {
			return Version{}, false, err
		}
	case errors.Is(err, sql.ErrNoRows):
		// First version for this hub, or the entity was historized out.
		if expected != nil && *expected != "" {
			return Version{}, false, ErrConflict
		}
	default:
		return Version{}, false, err
	}

	next := Version{
		ID:           ids.New(),
		HubKey:       hubKey,
		ValidFrom:    now,
		Fingerprint:  fp,
		Attributes:   attrs,
		RecordSource: recordSource,
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return Version{}, false, err
	}
	if _, err := tx.ExecContext(ctx,
		`insert into hub_versions(id, hub_key, valid_from, fingerprint, attributes, record_source)
		 values($1,$2,$3,$4,$5,$6)`,
		next.ID, hubKey, now, fp, payload, recordSource); err != nil {
		return Version{}, false, asConflict(err)
	}
	return next, true, nil
}

func (s *PGStore) WriteVersionBatch(ctx context.Context, writes []VersionWrite) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	written := 0
	for _, w := range writes {
		_, ok, err := s.writeVersionTx(ctx, tx, w.HubKey, nil, w.Attributes, w.RecordSource)
		if err != nil {
			return 0, err
		}
		if ok {
			written++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, asConflict(err)
	}
	return written, nil
}

func (s *PGStore) ReadCurrent(ctx context.Context, hubKey string) (Version, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select true from hubs where key=$1`, hubKey).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, ErrNotFound
		}
		return Version{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`select id, hub_key, valid_from, valid_to, fingerprint, attributes, record_source
		 from hub_versions where hub_key=$1 and valid_to is null`, hubKey)
	v, err := scanVersion(row)
	if errors.Is(err, ErrNotFound) {
		return Version{}, ErrNoActiveVersion
	}
	return v, err
}

func (s *PGStore) History(ctx context.Context, hubKey string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, hub_key, valid_from, valid_to, fingerprint, attributes, record_source
		 from hub_versions where hub_key=$1 order by valid_from asc`, hubKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Version
	for rows.Next() {
		var (
			v     Version
			to    sql.NullTime
			attrs []byte
		)
		if err := rows.Scan(&v.ID, &v.HubKey, &v.ValidFrom, &to, &v.Fingerprint, &attrs, &v.RecordSource); err != nil {
			return nil, err
		}
		if to.Valid {
			t := to.Time
			v.ValidTo = &t
		}
		_ = json.Unmarshal(attrs, &v.Attributes)
		res = append(res, v)
	}
	if len(res) == 0 {
		if _, err := s.GetHub(ctx, hubKey); err != nil {
			return nil, err
		}
	}
	return res, rows.Err()
}

func (s *PGStore) CloseCurrent(ctx context.Context, hubKey, recordSource string) (Version, error) {
	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx,
		`update hub_versions set valid_to=$1
		 where hub_key=$2 and valid_to is null
		 returning id, hub_key, valid_from, valid_to, fingerprint, attributes, record_source`,
		now, hubKey)
	v, err := scanVersion(row)
	if errors.Is(err, ErrNotFound) {
		if _, herr := s.GetHub(ctx, hubKey); herr != nil {
			return Version{}, herr
		}
		return Version{}, ErrNoActiveVersion
	}
	return v, err
}

func (s *PGStore) CreateLink(ctx context.Context, linkType, tenantKey, leftKey, rightKey, recordSource string) (Link, error) {
	if linkType == "" || leftKey == "" || rightKey == "" {
		return Link{}, ErrInvalidInput
	}
	key := ids.Derive(linkType, leftKey, rightKey)
	_, err := s.db.ExecContext(ctx,
		`insert into links(key, link_type, tenant_key, left_key, right_key, record_source)
		 values($1,$2,$3,$4,$5,$6)
		 on conflict (key) do nothing`,
		key, linkType, tenantKey, leftKey, rightKey, recordSource)
	if err != nil {
		return Link{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`select key, link_type, tenant_key, left_key, right_key, valid_from, valid_to, record_source
		 from links where key=$1`, key)
	return scanLink(row)
}

func (s *PGStore) OpenLinks(ctx context.Context, linkType, key string) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`select key, link_type, tenant_key, left_key, right_key, valid_from, valid_to, record_source
		 from links where link_type=$1 and valid_to is null and (left_key=$2 or right_key=$2)`,
		linkType, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Link
	for rows.Next() {
		var (
			link Link
			to   sql.NullTime
		)
		if err := rows.Scan(&link.Key, &link.LinkType, &link.TenantKey, &link.LeftKey, &link.RightKey, &link.ValidFrom, &to, &link.RecordSource); err != nil {
			return nil, err
		}
		if to.Valid {
			t := to.Time
			link.ValidTo = &t
		}
		res = append(res, link)
	}
	return res, rows.Err()
}

func (s *PGStore) CloseLink(ctx context.Context, linkKey, recordSource string) error {
	res, err := s.db.ExecContext(ctx,
		`update links set valid_to=now(), record_source=$1 where key=$2 and valid_to is null`,
		recordSource, linkKey)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanHub(row *sql.Row) (Hub, error) {
	var hub Hub
	if err := row.Scan(&hub.Key, &hub.EntityType, &hub.TenantKey, &hub.BusinessKey, &hub.CreatedAt, &hub.RecordSource); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Hub{}, ErrNotFound
		}
		return Hub{}, err
	}
	return hub, nil
}

func scanVersion(row *sql.Row) (Version, error) {
	var (
		v     Version
		to    sql.NullTime
		attrs []byte
	)
	if err := row.Scan(&v.ID, &v.HubKey, &v.ValidFrom, &to, &v.Fingerprint, &attrs, &v.RecordSource); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, ErrNotFound
		}
		return Version{}, err
	}
	if to.Valid {
		t := to.Time
		v.ValidTo = &t
	}
	_ = json.Unmarshal(attrs, &v.Attributes)
	return v, nil
}

func scanLink(row *sql.Row) (Link, error) {
	var (
		link Link
		to   sql.NullTime
	)
	if err := row.Scan(&link.Key, &link.LinkType, &link.TenantKey, &link.LeftKey, &link.RightKey, &link.ValidFrom, &to, &link.RecordSource); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Link{}, ErrNotFound
		}
		return Link{}, err
	}
	if to.Valid {
		t := to.Time
		link.ValidTo = &t
	}
	return link, nil
}

// asConflict maps a unique violation on the open-version index to the
// retryable conflict error.
func asConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrConflict
	}
	return err
}
