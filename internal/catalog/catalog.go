// Package catalog exposes the course lookup contract the financial core
// consumes. The marketplace catalog itself lives in another service; checkout
// only needs the instructor and the price, read consistently at the instant
// of purchase.
package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrCourseNotFound  = errors.New("course not found")
	ErrInvalidDiscount = errors.New("invalid discount code")
)

// Course is the snapshot checkout needs: who earns, and at what price.
type Course struct {
	ID           string `json:"id"`
	InstructorID string `json:"instructorId"`
	Price        int64  `json:"price"`
}

// Lookup resolves courses at checkout time.
type Lookup interface {
	Course(ctx context.Context, id string) (*Course, error)
}

// DiscountLookup resolves a discount code into a per-course final price.
// Implementations must never return a negative price; checkout clamps to
// zero as a second line of defense.
type DiscountLookup interface {
	Apply(ctx context.Context, code, courseID string, price int64) (int64, error)
}

// StaticLookup is an in-memory catalog for demo/development mode and tests.
type StaticLookup struct {
	mu      sync.RWMutex
	courses map[string]*Course
}

// NewStaticLookup creates an empty static catalog.
func NewStaticLookup() *StaticLookup {
	return &StaticLookup{courses: make(map[string]*Course)}
}

// Add registers a course.
func (s *StaticLookup) Add(c *Course) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.courses[c.ID] = &cp
}

func (s *StaticLookup) Course(ctx context.Context, id string) (*Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.courses[id]
	if !ok {
		return nil, ErrCourseNotFound
	}
	cp := *c
	return &cp, nil
}

// PercentDiscounts maps discount codes to a percentage off (0–100).
type PercentDiscounts struct {
	mu    sync.RWMutex
	codes map[string]int64
}

// NewPercentDiscounts creates an empty discount table.
func NewPercentDiscounts() *PercentDiscounts {
	return &PercentDiscounts{codes: make(map[string]int64)}
}

// Add registers a discount code.
func (d *PercentDiscounts) Add(code string, percent int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codes[strings.ToUpper(code)] = percent
}

func (d *PercentDiscounts) Apply(ctx context.Context, code, courseID string, price int64) (int64, error) {
	if code == "" {
		return price, nil
	}

	d.mu.RLock()
	percent, ok := d.codes[strings.ToUpper(code)]
	d.mu.RUnlock()
	if !ok {
		return 0, ErrInvalidDiscount
	}

	discounted := price - price*percent/100
	if discounted < 0 {
		discounted = 0
	}
	return discounted, nil
}

// NoDiscount is a DiscountLookup that applies nothing.
type NoDiscount struct{}

func (NoDiscount) Apply(ctx context.Context, code, courseID string, price int64) (int64, error) {
	return price, nil
}
