package store

import (
	"context"
	"database/sql"
	"fmt"

	"learnhub/internal/models"
)

// GetCourseByID retrieves a course by ID.
func (s *Store) GetCourseByID(ctx context.Context, q Queryer, id int64) (*models.Course, error) {
	var course models.Course
	err := q.GetContext(ctx, &course, "SELECT * FROM courses WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("course %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}

// GetCourseBySlug retrieves a course by slug.
func (s *Store) GetCourseBySlug(ctx context.Context, q Queryer, slug string) (*models.Course, error) {
	var course models.Course
	err := q.GetContext(ctx, &course, "SELECT * FROM courses WHERE slug = $1", slug)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("course %s: %w", slug, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}

// GetPlanBySlug retrieves a checkout plan by slug.
func (s *Store) GetPlanBySlug(ctx context.Context, q Queryer, slug string) (*models.Plan, error) {
	var plan models.Plan
	err := q.GetContext(ctx, &plan, "SELECT * FROM plans WHERE slug = $1", slug)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan %s: %w", slug, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// GetProductBySlug retrieves a pack product by slug.
func (s *Store) GetProductBySlug(ctx context.Context, q Queryer, slug string) (*models.Product, error) {
	var product models.Product
	err := q.GetContext(ctx, &product, "SELECT * FROM products WHERE slug = $1", slug)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %s: %w", slug, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetPackOption retrieves a product's pack by slug pair.
func (s *Store) GetPackOption(ctx context.Context, q Queryer, productSlug, packSlug string) (*models.PackOption, error) {
	var pack models.PackOption
	err := q.GetContext(ctx, &pack,
		"SELECT * FROM pack_options WHERE product_slug = $1 AND slug = $2", productSlug, packSlug)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pack %s/%s: %w", productSlug, packSlug, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &pack, nil
}

// GetLectureByID retrieves a lecture by ID.
func (s *Store) GetLectureByID(ctx context.Context, q Queryer, id int64) (*models.Lecture, error) {
	var lecture models.Lecture
	err := q.GetContext(ctx, &lecture, "SELECT * FROM lectures WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lecture %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &lecture, nil
}

// GetSectionByID retrieves a section by ID.
func (s *Store) GetSectionByID(ctx context.Context, q Queryer, id int64) (*models.Section, error) {
	var section models.Section
	err := q.GetContext(ctx, &section, "SELECT * FROM sections WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("section %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &section, nil
}

// GetVideoVariants retrieves a lecture's language variants, default first.
func (s *Store) GetVideoVariants(ctx context.Context, q Queryer, lectureID int64) ([]models.VideoVariant, error) {
	var variants []models.VideoVariant
	err := q.SelectContext(ctx, &variants,
		"SELECT * FROM video_variants WHERE lecture_id = $1 ORDER BY is_default DESC, lang", lectureID)
	return variants, err
}

// LectureRank computes the lecture's 1-based rank within its course: the
// count of published lectures up to and including it in
// (section.position, lecture.position) order.
func (s *Store) LectureRank(ctx context.Context, q Queryer, courseID, sectionPosition int64, lecturePosition int) (int, error) {
	var rank int
	err := q.GetContext(ctx, &rank, `
		SELECT COUNT(*)
		FROM lectures l
		JOIN sections s ON s.id = l.section_id
		WHERE s.course_id = $1
		  AND l.is_published
		  AND (s.position, l.position) <= ($2, $3)`,
		courseID, sectionPosition, lecturePosition)
	return rank, err
}

// HasEntitlement reports whether the user holds an entitlement for the course.
func (s *Store) HasEntitlement(ctx context.Context, q Queryer, userID, courseID int64) (bool, error) {
	var exists bool
	err := q.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM entitlements WHERE user_id = $1 AND course_id = $2)",
		userID, courseID)
	return exists, err
}

// GrantEntitlement creates the (user, course) entitlement if missing. The
// unique index makes concurrent grants converge on a single row.
func (s *Store) GrantEntitlement(ctx context.Context, q Queryer, userID, courseID int64, orderID sql.NullInt64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO entitlements (user_id, course_id, order_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, course_id) DO NOTHING`,
		userID, courseID, orderID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CountEntitlements returns the entitlement count for a user.
func (s *Store) CountEntitlements(ctx context.Context, q Queryer, userID int64) (int, error) {
	var count int
	err := q.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM entitlements WHERE user_id = $1", userID)
	return count, err
}
