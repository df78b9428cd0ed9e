package devicestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
)

// Device is a stored device configuration document.
type Device struct {
	Address         ble.MAC
	Name            string
	ControllerIndex int
	Document        []byte
	Enabled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Config parses the stored document.
func (d *Device) Config() (*ble.Config, error) {
	return ble.ParseConfig(d.Document)
}

// Store defines device document persistence.
type Store interface {
	Upsert(ctx context.Context, name string, document []byte) (*Device, error)
	Get(ctx context.Context, mac ble.MAC) (*Device, error)
	List(ctx context.Context) ([]Device, error)
	ListAll(ctx context.Context) ([]Device, error)
	SetEnabled(ctx context.Context, mac ble.MAC, enabled bool) error
	Delete(ctx context.Context, mac ble.MAC) error
}

// SQLiteStore implements Store on the ble_devices table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a store over db. The ble_devices migration must
// have been applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Upsert validates document and stores it under the device address it
// names. An existing row for that address is replaced, keeping its enabled
// flag and creation time.
func (s *SQLiteStore) Upsert(ctx context.Context, name string, document []byte) (*Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}

	cfg, err := ble.ParseConfig(document)
	if err != nil {
		return nil, fmt.Errorf("validating document for %q: %w", name, err)
	}
	device := cfg.Device
	cfg.Release()

	mac := device.Address.String()

	var owner string
	err = s.db.QueryRowContext(ctx,
		`SELECT mac FROM ble_devices WHERE name = ? AND mac <> ?`, name, mac).Scan(&owner)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %q is %s", ErrNameInUse, name, owner)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("checking name %q: %w", name, err)
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	const query = `INSERT INTO ble_devices (mac, name, controller_index, document, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(mac) DO UPDATE SET
			name = excluded.name,
			controller_index = excluded.controller_index,
			document = excluded.document,
			updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query,
		mac, name, device.AdapterIndex, document, now, now); err != nil {
		return nil, fmt.Errorf("storing device %s: %w", mac, err)
	}

	return s.Get(ctx, device.Address)
}

// Get returns the device stored for mac.
func (s *SQLiteStore) Get(ctx context.Context, mac ble.MAC) (*Device, error) {
	const query = `SELECT mac, name, controller_index, document, enabled, created_at, updated_at
		FROM ble_devices WHERE mac = ?`
	d, err := scanDevice(s.db.QueryRowContext(ctx, query, mac.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}
	if err != nil {
		return nil, fmt.Errorf("getting device %s: %w", mac, err)
	}
	return d, nil
}

// List returns the enabled devices ordered by name.
func (s *SQLiteStore) List(ctx context.Context) ([]Device, error) {
	return s.query(ctx, `SELECT mac, name, controller_index, document, enabled, created_at, updated_at
		FROM ble_devices WHERE enabled = 1 ORDER BY name`)
}

// ListAll returns every device, enabled or not, ordered by name.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]Device, error) {
	return s.query(ctx, `SELECT mac, name, controller_index, document, enabled, created_at, updated_at
		FROM ble_devices ORDER BY name`)
}

// SetEnabled enables or disables the device stored for mac.
func (s *SQLiteStore) SetEnabled(ctx context.Context, mac ble.MAC, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ble_devices SET enabled = ?, updated_at = ? WHERE mac = ?`,
		flag, s.now().UTC().Format(time.RFC3339Nano), mac.String())
	if err != nil {
		return fmt.Errorf("updating device %s: %w", mac, err)
	}
	return requireRow(res, mac)
}

// Delete removes the device stored for mac.
func (s *SQLiteStore) Delete(ctx context.Context, mac ble.MAC) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ble_devices WHERE mac = ?`, mac.String())
	if err != nil {
		return fmt.Errorf("deleting device %s: %w", mac, err)
	}
	return requireRow(res, mac)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var d Device
	var mac, createdAt, updatedAt string
	var enabled int

	if err := row.Scan(&mac, &d.Name, &d.ControllerIndex, &d.Document, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	addr, err := ble.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("stored address %q: %w", mac, err)
	}
	d.Address = addr
	d.Enabled = enabled != 0
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s) //nolint:errcheck // Format is controlled
	return t
}

func requireRow(res sql.Result, mac ble.MAC) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}
	return nil
}
