package store

import (
	"context"
	"database/sql"

	"learnhub/internal/models"
)

// GetProfileByUserID returns the profile bound to a user, or nil.
func (s *Store) GetProfileByUserID(ctx context.Context, q Queryer, userID int64) (*models.CustomerProfile, error) {
	var profile models.CustomerProfile
	err := q.GetContext(ctx, &profile,
		"SELECT * FROM customer_profiles WHERE user_id = $1", userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetProfileByStripeCustomerID returns the profile for a provider customer
// id, or nil.
func (s *Store) GetProfileByStripeCustomerID(ctx context.Context, q Queryer, customerID string) (*models.CustomerProfile, error) {
	var profile models.CustomerProfile
	err := q.GetContext(ctx, &profile,
		"SELECT * FROM customer_profiles WHERE stripe_customer_id = $1", customerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetProfileByGuestID returns the profile for a guest identifier, or nil.
func (s *Store) GetProfileByGuestID(ctx context.Context, q Queryer, guestID string) (*models.CustomerProfile, error) {
	var profile models.CustomerProfile
	err := q.GetContext(ctx, &profile,
		"SELECT * FROM customer_profiles WHERE guest_id = $1", guestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// CreateProfile inserts a new customer profile.
func (s *Store) CreateProfile(ctx context.Context, q Queryer, profile *models.CustomerProfile) error {
	query := `
		INSERT INTO customer_profiles (email, user_id, stripe_customer_id, guest_id, merged_from_guest_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	return q.GetContext(ctx, profile, query,
		profile.Email, profile.UserID, profile.StripeCustomerID,
		profile.GuestID, profile.MergedFromGuestID)
}

// UpdateProfile rewrites the mutable profile fields. Email is preserved by
// callers passing the existing value when the update carries none.
func (s *Store) UpdateProfile(ctx context.Context, q Queryer, profile *models.CustomerProfile) error {
	_, err := q.ExecContext(ctx, `
		UPDATE customer_profiles SET
			email = $1,
			user_id = $2,
			stripe_customer_id = $3,
			guest_id = $4,
			merged_from_guest_id = $5,
			updated_at = NOW()
		WHERE id = $6`,
		profile.Email, profile.UserID, profile.StripeCustomerID,
		profile.GuestID, profile.MergedFromGuestID, profile.ID)
	return err
}
