package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"event-rsvp/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrGuestNotFound = errors.New("guest not found")
	ErrDuplicateQRID = errors.New("qr id already in use")
	ErrPlusOneExists = errors.New("guest already has a plus one")
)

const guestColumns = `id, first_name, last_name, email, phone_number, guest_type, qr_id,
	plus_one_qr_id, invited_by, responded, will_attend, responded_at,
	is_checked_in, check_in_time, invited_date`

const settingRSVPEnabled = "rsvp_enabled"

type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// NewStorage opens the SQLite database at path and applies pending migrations
func NewStorage(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db, now: time.Now}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	// m.Close would close db as well
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close releases the database handle
func (s *Storage) Close() error {
	return s.db.Close()
}

// AddGuest adds a new guest or updates an existing one with the same qr id.
// Response and companion fields of an existing guest are preserved.
func (s *Storage) AddGuest(ctx context.Context, guest models.Guest) (*models.Guest, error) {
	if !guest.GuestType.Valid() {
		return nil, fmt.Errorf("invalid guest type %q", guest.GuestType)
	}
	if guest.QRID == "" {
		guest.QRID = uuid.NewString()
	}
	if guest.InvitedDate.IsZero() {
		guest.InvitedDate = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guests (first_name, last_name, email, phone_number, guest_type, qr_id, invited_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (qr_id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email,
			phone_number = excluded.phone_number,
			guest_type = excluded.guest_type`,
		guest.FirstName, guest.LastName, guest.Email, guest.PhoneNumber,
		string(guest.GuestType), guest.QRID, guest.InvitedDate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add guest: %w", err)
	}
	return s.GetGuest(ctx, guest.QRID)
}

// GetGuest retrieves a guest by qr id
func (s *Storage) GetGuest(ctx context.Context, qrID string) (*models.Guest, error) {
	return getGuest(ctx, s.db, qrID)
}

// GetGuestByPhone retrieves a principal guest by normalized phone number
func (s *Storage) GetGuestByPhone(ctx context.Context, phoneNumber string) (*models.Guest, error) {
	if phoneNumber == "" {
		return nil, ErrGuestNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+guestColumns+` FROM guests
		WHERE phone_number = ? AND guest_type <> 'PLUSONE'
		ORDER BY id LIMIT 1`, phoneNumber)
	g, err := scanGuest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGuestNotFound
	}
	return g, err
}

// UpdateRSVP records an attendance answer and marks the guest as responded
func (s *Storage) UpdateRSVP(ctx context.Context, qrID string, willAttend bool) (*models.Guest, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE guests SET responded = 1, will_attend = ?, responded_at = ?
		WHERE qr_id = ?`,
		willAttend, s.now(), qrID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update RSVP: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrGuestNotFound
	}
	return s.GetGuest(ctx, qrID)
}

// AddPlusOne creates companion for the principal identified by principalQRID and
// links it, in one transaction. check runs against the principal as read inside
// the transaction; a non-nil result aborts without writing anything.
func (s *Storage) AddPlusOne(ctx context.Context, principalQRID string, companion models.Guest, check func(principal *models.Guest) error) (*models.Guest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	principal, err := getGuest(ctx, tx, principalQRID)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(principal); err != nil {
			return nil, err
		}
	}
	if principal.HasCompanion() {
		return nil, ErrPlusOneExists
	}

	companion.GuestType = models.GuestPlusOne
	companion.InvitedBy = principal.QRID
	companion.PlusOneQRID = ""
	if companion.QRID == "" {
		companion.QRID = uuid.NewString()
	}
	if companion.InvitedDate.IsZero() {
		companion.InvitedDate = s.now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO guests (first_name, last_name, email, phone_number, guest_type, qr_id, invited_by, invited_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		companion.FirstName, companion.LastName, companion.Email, companion.PhoneNumber,
		string(companion.GuestType), companion.QRID, companion.InvitedBy, companion.InvitedDate,
	)
	if err != nil {
		if isUniqueViolation(err, "invited_by") {
			return nil, ErrPlusOneExists
		}
		if isUniqueViolation(err, "qr_id") {
			return nil, ErrDuplicateQRID
		}
		return nil, fmt.Errorf("failed to insert plus one: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE guests SET plus_one_qr_id = ? WHERE qr_id = ?`, companion.QRID, principal.QRID)
	if err != nil {
		return nil, fmt.Errorf("failed to link plus one: %w", err)
	}

	created, err := getGuest(ctx, tx, companion.QRID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit plus one: %w", err)
	}
	return created, nil
}

// DeleteGuest removes a guest; a linked companion is removed with it
func (s *Storage) DeleteGuest(ctx context.Context, qrID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM guests WHERE qr_id = ?`, qrID)
	if err != nil {
		return fmt.Errorf("failed to delete guest: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrGuestNotFound
	}
	return nil
}

// GetAllGuests returns all guests in invitation order
func (s *Storage) GetAllGuests(ctx context.Context) ([]models.Guest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+guestColumns+` FROM guests ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list guests: %w", err)
	}
	defer rows.Close()

	guests := make([]models.Guest, 0)
	for rows.Next() {
		g, err := scanGuest(rows)
		if err != nil {
			return nil, err
		}
		guests = append(guests, *g)
	}
	return guests, rows.Err()
}

// GetGuestsByStatus returns guests filtered by RSVP status
func (s *Storage) GetGuestsByStatus(ctx context.Context, status models.RSVPStatus) ([]models.Guest, error) {
	guests, err := s.GetAllGuests(ctx)
	if err != nil {
		return nil, err
	}

	var result []models.Guest
	for _, g := range guests {
		if g.Status() == status {
			result = append(result, g)
		}
	}
	return result, nil
}

// RSVPEnabled reports whether the RSVP window is open
func (s *Storage) RSVPEnabled(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingRSVPEnabled).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read RSVP window: %w", err)
	}
	return value == "true", nil
}

// SetRSVPEnabled opens or closes the RSVP window
func (s *Storage) SetRSVPEnabled(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		settingRSVPEnabled, value,
	)
	if err != nil {
		return fmt.Errorf("failed to update RSVP window: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getGuest(ctx context.Context, q queryer, qrID string) (*models.Guest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+guestColumns+` FROM guests WHERE qr_id = ?`, qrID)
	g, err := scanGuest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGuestNotFound
	}
	return g, err
}

func scanGuest(row scanner) (*models.Guest, error) {
	var (
		g           models.Guest
		guestType   string
		plusOne     sql.NullString
		invitedBy   sql.NullString
		willAttend  sql.NullBool
		respondedAt sql.NullTime
		checkInTime sql.NullTime
	)
	err := row.Scan(
		&g.ID, &g.FirstName, &g.LastName, &g.Email, &g.PhoneNumber, &guestType, &g.QRID,
		&plusOne, &invitedBy, &g.Responded, &willAttend, &respondedAt,
		&g.IsCheckedIn, &checkInTime, &g.InvitedDate,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan guest: %w", err)
	}

	g.GuestType = models.GuestType(guestType)
	g.PlusOneQRID = plusOne.String
	g.InvitedBy = invitedBy.String
	g.WillAttend = models.AttendanceFromNull(willAttend.Valid, willAttend.Bool)
	if respondedAt.Valid {
		t := respondedAt.Time
		g.RespondedAt = &t
	}
	if checkInTime.Valid {
		t := checkInTime.Time
		g.CheckInTime = &t
	}
	return &g, nil
}

func isUniqueViolation(err error, column string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(sqliteErr.Error(), column)
}
