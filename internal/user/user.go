// Package user implements the User/Ownership Store (spec.md §4.8):
// SQLite-backed accounts, capability sets, API keys, and per-download
// ownership records, with orphan cleanup when a user is deleted.
package user

import (
	"context"
	"database/sql"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, u model.User, passwordHash string) (int64, error) {
	caps, err := json.Marshal(u.Capabilities)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "marshal capabilities")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (username, password_hash, is_admin, disabled, api_key, capabilities)
		VALUES (?,?,?,?,?,?)`, u.Username, passwordHash, u.IsAdmin, u.Disabled, nullableString(u.APIKey), string(caps))
	if err != nil {
		return 0, apperr.Wrap(apperr.Config, err, "creating user %q", u.Username)
	}
	return res.LastInsertId()
}

func (s *Store) Get(ctx context.Context, id int64) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, is_admin, disabled, api_key, capabilities, last_login_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *Store) GetByUsername(ctx context.Context, username string) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, is_admin, disabled, api_key, capabilities, last_login_at
		FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func (s *Store) GetByAPIKey(ctx context.Context, key string) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, is_admin, disabled, api_key, capabilities, last_login_at
		FROM users WHERE api_key = ?`, key)
	return scanUser(row)
}

func (s *Store) List(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, password_hash, is_admin, disabled, api_key, capabilities, last_login_at
		FROM users ORDER BY username`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "listing users")
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (model.User, error) {
	var u model.User
	var apiKey sql.NullString
	var capsJSON string
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.Disabled, &apiKey, &capsJSON, &lastLogin)
	if err == sql.ErrNoRows {
		return model.User{}, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return model.User{}, apperr.Wrap(apperr.Internal, err, "scanning user row")
	}
	u.APIKey = apiKey.String
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time
	}
	if err := json.Unmarshal([]byte(capsJSON), &u.Capabilities); err != nil {
		return model.User{}, apperr.Wrap(apperr.Internal, err, "decoding capabilities")
	}
	return u, nil
}

func (s *Store) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	return wrapExec(err, "updating password")
}

func (s *Store) UpdateCapabilities(ctx context.Context, id int64, caps []model.Capability) error {
	buf, err := json.Marshal(caps)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "marshal capabilities")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE users SET capabilities = ? WHERE id = ?`, string(buf), id)
	return wrapExec(err, "updating capabilities")
}

func (s *Store) SetDisabled(ctx context.Context, id int64, disabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET disabled = ? WHERE id = ?`, disabled, id)
	return wrapExec(err, "updating disabled flag")
}

func (s *Store) SetAPIKey(ctx context.Context, id int64, key string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET api_key = ? WHERE id = ?`, nullableString(key), id)
	return wrapExec(err, "updating api key")
}

func (s *Store) TouchLastLogin(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, time.Now(), id)
	return wrapExec(err, "touching last login")
}

// Delete removes a user and, per spec.md §4.8's orphan-cleanup rule,
// every ownership record pointing at them (the ownership table's foreign
// key ON DELETE CASCADE handles this at the schema level; Delete just
// issues the user row delete inside the same statement set).
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return wrapExec(err, "deleting user")
}

// RecordOwnership associates a newly-added download with the user who
// added it.
func (s *Store) RecordOwnership(ctx context.Context, compoundKey string, userID int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO ownership (compound_key, user_id, added_at) VALUES (?,?,?)
		ON CONFLICT(compound_key) DO UPDATE SET user_id = excluded.user_id`, compoundKey, userID, time.Now())
	return wrapExec(err, "recording ownership")
}

func (s *Store) OwnerOf(ctx context.Context, compoundKey string) (int64, bool) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM ownership WHERE compound_key = ?`, compoundKey).Scan(&userID)
	if err != nil {
		return 0, false
	}
	return userID, true
}

func (s *Store) ForgetOwnership(ctx context.Context, compoundKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ownership WHERE compound_key = ?`, compoundKey)
	return wrapExec(err, "forgetting ownership")
}

// CanSee implements the view_all_downloads / edit_all_downloads
// visibility rule (spec.md §4.8): a user sees their own downloads, plus
// everyone's if they hold the capability.
func (s *Store) CanSee(ctx context.Context, u *model.User, compoundKey string) bool {
	if u.HasCapability(model.CapViewAllDownloads) {
		return true
	}
	owner, ok := s.OwnerOf(ctx, compoundKey)
	return ok && owner == u.ID
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func wrapExec(err error, action string) error {
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, action)
	}
	return nil
}
