package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/usermgmt/server/types"
)

const pgUniqueViolation = "23505"

const userColumns = `id, first_name, last_name, profile_picture, date_of_birth, address1, address2,
		city, postal_code, country, phone_number, email, notes, created_at, updated_at`

// UserRepository handles persistence for user records in PostgreSQL.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.FirstName,
		&user.LastName,
		&user.ProfilePicture,
		&user.DateOfBirth,
		&user.Address1,
		&user.Address2,
		&user.City,
		&user.PostalCode,
		&user.Country,
		&user.PhoneNumber,
		&user.Email,
		&user.Notes,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (r *UserRepository) List(ctx context.Context) ([]types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		ORDER BY last_name ASC, created_at ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]types.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return types.User{}, ErrInvalidID
	}

	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, uid.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) EmailExists(ctx context.Context, email, excludeID string) (bool, error) {
	var count int
	if excludeID == "" {
		const query = `SELECT COUNT(1) FROM users WHERE email = $1`
		if err := r.db.QueryRowContext(ctx, query, email).Scan(&count); err != nil {
			return false, err
		}
		return count > 0, nil
	}

	uid, err := uuid.Parse(excludeID)
	if err != nil {
		return false, ErrInvalidID
	}
	const query = `SELECT COUNT(1) FROM users WHERE email = $1 AND id <> $2`
	if err := r.db.QueryRowContext(ctx, query, email, uid.String()).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := time.Now().UTC()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (id, first_name, last_name, profile_picture, date_of_birth, address1, address2,
			city, postal_code, country, phone_number, email, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		user.ID,
		user.FirstName,
		user.LastName,
		user.ProfilePicture,
		user.DateOfBirth,
		user.Address1,
		user.Address2,
		user.City,
		user.PostalCode,
		user.Country,
		user.PhoneNumber,
		user.Email,
		user.Notes,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return types.User{}, mapPQError(err)
	}
	return user, nil
}

// Update replaces the mutable fields of an existing record. When keepPicture
// is set the stored profile picture is left as it is. replaced is the picture
// the update overwrote, empty when the picture was kept.
func (r *UserRepository) Update(ctx context.Context, id string, user types.User, keepPicture bool) (updated types.User, replaced string, err error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return types.User{}, "", ErrInvalidID
	}
	user.ID = uid.String()
	user.UpdatedAt = time.Now().UTC()

	// The row is locked in the sub-select so prev sees the value this
	// statement replaces.
	const query = `
		UPDATE users u
		SET first_name = $1,
			last_name = $2,
			profile_picture = CASE WHEN $3 THEN u.profile_picture ELSE $4 END,
			date_of_birth = $5,
			address1 = $6,
			address2 = $7,
			city = $8,
			postal_code = $9,
			country = $10,
			phone_number = $11,
			email = $12,
			notes = $13,
			updated_at = $14
		FROM (SELECT id, profile_picture FROM users WHERE id = $15 FOR UPDATE) prev
		WHERE u.id = prev.id
		RETURNING u.profile_picture, u.created_at, prev.profile_picture`
	var previous string
	err = r.db.QueryRowContext(
		ctx,
		query,
		user.FirstName,
		user.LastName,
		keepPicture,
		user.ProfilePicture,
		user.DateOfBirth,
		user.Address1,
		user.Address2,
		user.City,
		user.PostalCode,
		user.Country,
		user.PhoneNumber,
		user.Email,
		user.Notes,
		user.UpdatedAt,
		user.ID,
	).Scan(&user.ProfilePicture, &user.CreatedAt, &previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, "", ErrNotFound
		}
		return types.User{}, "", mapPQError(err)
	}
	if !keepPicture && previous != user.ProfilePicture {
		replaced = previous
	}
	return user, replaced, nil
}

func (r *UserRepository) Delete(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return ErrInvalidID
	}

	const query = `DELETE FROM users WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, uid.String())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
		return ErrDuplicateEmail
	}
	return err
}
