package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/LeventeLantos/reseller-notifier/internal/model"
)

// PostgresClientDirectory reads the clients table owned by the CRUD layer.
type PostgresClientDirectory struct {
	db       *sql.DB
	tenantID string
}

var _ ClientDirectory = (*PostgresClientDirectory)(nil)

func NewPostgresClientDirectory(db *sql.DB, tenantID string) *PostgresClientDirectory {
	return &PostgresClientDirectory{db: db, tenantID: tenantID}
}

const clientColumns = `id, name, username, password, phone, server, plan,
	COALESCE(renewal_date, ''), value::float8`

func scanClient(row rowScanner) (model.Client, error) {
	var c model.Client
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Username,
		&c.Password,
		&c.Phone,
		&c.Server,
		&c.Plan,
		&c.RenewalDate,
		&c.Value,
	)
	return c, err
}

func (d *PostgresClientDirectory) ListClients(ctx context.Context) ([]model.Client, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE tenant_id = $1
		ORDER BY id ASC
	`, d.tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *PostgresClientDirectory) GetClient(ctx context.Context, id string) (model.Client, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE tenant_id = $1 AND id = $2
	`, d.tenantID, id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Client{}, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return c, err
}
