package enrollment

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists enrollments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, userID, courseID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollments (user_id, course_id, created_at)
		VALUES ($1, $2, NOW())`, userID, courseID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyEnrolled
		}
		return err
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID, courseID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM enrollments WHERE user_id = $1 AND course_id = $2`,
		userID, courseID)
	return err
}

func (s *PostgresStore) Exists(ctx context.Context, userID, courseID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM enrollments WHERE user_id = $1 AND course_id = $2
		)`, userID, courseID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, course_id, created_at
		FROM enrollments
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Enrollment
	for rows.Next() {
		var e Enrollment
		if err := rows.Scan(&e.UserID, &e.CourseID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CreateInTx inserts an enrollment inside a caller-owned transaction so
// purchase and access grant commit or roll back together.
func CreateInTx(ctx context.Context, tx *sql.Tx, userID, courseID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO enrollments (user_id, course_id, created_at)
		VALUES ($1, $2, NOW())`, userID, courseID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyEnrolled
		}
		return err
	}
	return nil
}

// DeleteInTx removes an enrollment inside a caller-owned transaction.
func DeleteInTx(ctx context.Context, tx *sql.Tx, userID, courseID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM enrollments WHERE user_id = $1 AND course_id = $2`,
		userID, courseID)
	return err
}
