// Package enrollment records which user owns which course. Checkout creates
// rows, refund settlement removes them. Course content access control reads
// this table; the financial core is its only writer.
package enrollment

import (
	"context"
	"errors"
	"time"
)

var ErrAlreadyEnrolled = errors.New("already enrolled")

// Enrollment grants a user access to a course.
type Enrollment struct {
	UserID    string    `json:"userId"`
	CourseID  string    `json:"courseId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists enrollments.
type Store interface {
	Create(ctx context.Context, userID, courseID string) error
	Delete(ctx context.Context, userID, courseID string) error
	Exists(ctx context.Context, userID, courseID string) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]*Enrollment, error)
}
