package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lease is a time-bounded, owner-token guarded claim on a key. Extending or
// releasing requires presenting the token handed out on acquisition, so a
// holder whose lease lapsed can never act on behalf of the next holder.
type Lease struct {
	Key   string
	Token string

	client Client
}

// Acquire tries to take the lease at key for ttl. It returns ErrLeaseHeld
// when another owner currently holds it.
func Acquire(ctx context.Context, client Client, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()

	ok, err := client.AcquireLease(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	return &Lease{Key: key, Token: token, client: client}, nil
}

// Extend renews the lease for ttl. Returns ErrLeaseLost if the lease expired
// or changed hands.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.ExtendLease(ctx, l.Key, l.Token, ttl)
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", l.Key, err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Release gives the lease up. Returns ErrLeaseLost if it was no longer held.
func (l *Lease) Release(ctx context.Context) error {
	ok, err := l.client.ReleaseLease(ctx, l.Key, l.Token)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.Key, err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}
