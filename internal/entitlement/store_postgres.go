package entitlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore persists rules in the relational rule store. Conditions
// are stored as a JSONB column; scopes and ordering fields are relational
// so the tenant-scoped list query stays indexed.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the rule store and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open rule store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping rule store: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entitlement_rules (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			resource    TEXT NOT NULL,
			effect      TEXT NOT NULL,
			conditions  JSONB NOT NULL DEFAULT '[]',
			priority    INTEGER NOT NULL DEFAULT 0,
			enabled     BOOLEAN NOT NULL DEFAULT TRUE,
			tenant      TEXT NOT NULL,
			subject     TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_entitlement_rules_tenant
			ON entitlement_rules (tenant);
	`)
	if err != nil {
		return fmt.Errorf("migrate rule store: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) ListForTenant(ctx context.Context, tenant string) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, resource, effect, conditions, priority,
		       enabled, tenant, subject, created_at, updated_at, expires_at
		FROM entitlement_rules
		WHERE tenant = $1 OR tenant = $2`, tenant, WildcardScope)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, resource, effect, conditions, priority,
		       enabled, tenant, subject, created_at, updated_at, expires_at
		FROM entitlement_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrRuleNotFound
	}
	return r, err
}

func (s *PostgresStore) Create(ctx context.Context, rule *Rule) error {
	conds, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entitlement_rules
			(id, name, description, resource, effect, conditions, priority,
			 enabled, tenant, subject, created_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rule.ID, rule.Name, rule.Description, rule.Resource, string(rule.Effect),
		conds, rule.Priority, rule.Enabled, rule.Tenant, rule.Subject,
		rule.CreatedAt, rule.UpdatedAt, rule.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, rule *Rule) error {
	conds, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlement_rules SET
			name=$2, description=$3, resource=$4, effect=$5, conditions=$6,
			priority=$7, enabled=$8, tenant=$9, subject=$10, updated_at=$11,
			expires_at=$12
		WHERE id=$1`,
		rule.ID, rule.Name, rule.Description, rule.Resource, string(rule.Effect),
		conds, rule.Priority, rule.Enabled, rule.Tenant, rule.Subject,
		rule.UpdatedAt, rule.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entitlement_rules WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	var effect string
	var conds []byte
	var expires sql.NullTime
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Resource, &effect,
		&conds, &r.Priority, &r.Enabled, &r.Tenant, &r.Subject,
		&r.CreatedAt, &r.UpdatedAt, &expires)
	if err != nil {
		return nil, err
	}
	r.Effect = Effect(effect)
	if len(conds) > 0 {
		if err := json.Unmarshal(conds, &r.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	if expires.Valid {
		t := expires.Time
		r.ExpiresAt = &t
	}
	return &r, nil
}

var _ Store = (*PostgresStore)(nil)
