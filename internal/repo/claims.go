package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"flowboard/internal/domain"
)

// ErrClaimHeld is returned when another owner holds an unexpired claim.
var ErrClaimHeld = errors.New("claim already held")

// AcquireClaim takes the cascade claim for a process. An expired claim is
// replaced; an unexpired claim by another owner fails with ErrClaimHeld.
func (r Repo) AcquireClaim(ctx context.Context, processID, ownerID string, ttl time.Duration) (domain.Claim, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var existingOwner, existingExpires string
	err = tx.QueryRowContext(ctx, `SELECT owner_id, expires_at FROM claims WHERE process_id=?`, processID).
		Scan(&existingOwner, &existingExpires)
	if err != nil && err != sql.ErrNoRows {
		return domain.Claim{}, err
	}
	if err == nil {
		exp, perr := time.Parse(time.RFC3339, existingExpires)
		if perr == nil && now.Before(exp) && existingOwner != ownerID {
			return domain.Claim{}, ErrClaimHeld
		}
	}
	c := domain.Claim{
		ProcessID:  processID,
		OwnerID:    ownerID,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO claims(process_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
		ON CONFLICT(process_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		c.ProcessID, c.OwnerID, c.AcquiredAt, c.ExpiresAt); err != nil {
		return domain.Claim{}, err
	}
	return c, tx.Commit()
}

func (r Repo) ReleaseClaim(ctx context.Context, processID, ownerID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM claims WHERE process_id=? AND owner_id=?`, processID, ownerID)
	return err
}

func (r Repo) GetClaim(ctx context.Context, processID string) (domain.Claim, error) {
	var c domain.Claim
	err := r.DB.QueryRowContext(ctx, `SELECT process_id,owner_id,acquired_at,expires_at FROM claims WHERE process_id=?`, processID).
		Scan(&c.ProcessID, &c.OwnerID, &c.AcquiredAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}
