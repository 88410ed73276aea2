package credit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerialisesPerCustomer(t *testing.T) {
	locker := NewLocalLocker(30 * time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, 1)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, 1)
	require.ErrorIs(t, err, ErrLockNotAcquired)

	other, err := locker.Acquire(ctx, 2)
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := locker.Acquire(ctx, 1)
	require.NoError(t, err)
	again()
	require.Empty(t, locker.slots)
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client, time.Second, 50*time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, mr.Exists(LockKey(7)))

	_, err = locker.Acquire(ctx, 7)
	require.ErrorIs(t, err, ErrLockNotAcquired)

	release()
	require.False(t, mr.Exists(LockKey(7)))

	release, err = locker.Acquire(ctx, 7)
	require.NoError(t, err)
	// An expired lock taken over by someone else must not be deleted by the old holder.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(LockKey(7), "other-holder"))
	release()
	got, err := mr.Get(LockKey(7))
	require.NoError(t, err)
	require.Equal(t, "other-holder", got)
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()
	policy := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	err := policy.Do(ctx, IsRetryable, nil, func(context.Context) error {
		calls++
		return ErrLockNotAcquired
	})
	require.ErrorIs(t, err, ErrConcurrentModification)
	require.ErrorIs(t, err, ErrLockNotAcquired)
	require.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = policy.Do(ctx, IsRetryable, nil, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)

	calls = 0
	retries := 0
	err = policy.Do(ctx, IsRetryable, func(int, error) { retries++ }, func(context.Context) error {
		calls++
		if calls < 2 {
			return ErrLockNotAcquired
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, retries)
}

func TestPageTokenRoundTrip(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 6000, time.UTC)
	token := EncodePageToken(Cursor{CreatedAt: at, ID: 42})
	cursor, err := DecodePageToken(token)
	require.NoError(t, err)
	require.True(t, cursor.CreatedAt.Equal(at))
	require.Equal(t, int64(42), cursor.ID)

	cursor, err = DecodePageToken("")
	require.NoError(t, err)
	require.Nil(t, cursor)
}

func TestTransactionValidate(t *testing.T) {
	order := int64(3)
	require.NoError(t, Transaction{CustomerID: 1, Kind: KindCharge, Amount: -100, OrderID: &order}.Validate())
	require.ErrorIs(t, Transaction{CustomerID: 1, Kind: KindCharge, Amount: 100}.Validate(), ErrInvalidAmount)
	require.ErrorIs(t, Transaction{CustomerID: 1, Kind: KindPayment, Amount: 100}.Validate(), ErrInvalidTransaction)
	require.ErrorIs(t, Transaction{CustomerID: 1, Kind: KindPayment, Amount: 100, Payment: &PaymentDetails{Method: MethodCheck}}.Validate(), ErrInvalidAmount)
	require.NoError(t, Transaction{CustomerID: 1, Kind: KindPayment, Amount: 100, Payment: &PaymentDetails{Method: MethodCheck, Reference: "77"}}.Validate())
	require.ErrorIs(t, Transaction{CustomerID: 1, Kind: KindAdjustment, Amount: 5}.Validate(), ErrInvalidTransaction)
	require.ErrorIs(t, Transaction{CustomerID: 1, Kind: "refund", Amount: 5}.Validate(), ErrInvalidTransaction)
}
