package repo

import (
	"context"
	"database/sql"

	"labline/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(user_id,email,profession,institute,created_at) VALUES (?,?,?,?,?)`,
		u.UserID, u.Email, nullable(u.Profession), nullable(u.Institute), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, userID string) (domain.User, error) {
	return getUser(ctx, r.DB, userID)
}

func getUser(ctx context.Context, q Queryable, userID string) (domain.User, error) {
	var u domain.User
	var profession, institute sql.NullString
	err := q.QueryRowContext(ctx, `SELECT user_id,email,profession,institute,created_at FROM users WHERE user_id=?`, userID).
		Scan(&u.UserID, &u.Email, &profession, &institute, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if profession.Valid {
		u.Profession = profession.String
	}
	if institute.Valid {
		u.Institute = institute.String
	}
	return u, nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id,email,profession,institute,created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var profession, institute sql.NullString
		if err := rows.Scan(&u.UserID, &u.Email, &profession, &institute, &u.CreatedAt); err != nil {
			return nil, err
		}
		if profession.Valid {
			u.Profession = profession.String
		}
		if institute.Valid {
			u.Institute = institute.String
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
