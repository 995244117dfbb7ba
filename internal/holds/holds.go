// Package holds mirrors each Pending booking's hold window in Redis. Key
// expiry is a prompt signal to release stock; the reaper remains the
// authority when a notification is missed.
package holds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticket-reservation/internal/logger"

	"github.com/go-redis/redis/v8"
)

const (
	holdPrefix = "booking_hold:"
	lockPrefix = "payment_lock:"
)

var ErrLockHeld = errors.New("payment already in progress for this booking")

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Tracker struct {
	Client *redis.Client
	log    *logger.Logger
}

func NewTracker(client *redis.Client, log *logger.Logger) *Tracker {
	return &Tracker{Client: client, log: log}
}

func holdKey(bookingID string) string { return holdPrefix + bookingID }
func lockKey(bookingID string) string { return lockPrefix + bookingID }

// Place starts (or restarts) the hold timer for a booking.
func (t *Tracker) Place(ctx context.Context, bookingID string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("hold ttl must be positive, got %s", ttl)
	}
	return t.Client.Set(ctx, holdKey(bookingID), bookingID, ttl).Err()
}

// Clear removes the hold once the booking leaves Pending.
func (t *Tracker) Clear(ctx context.Context, bookingID string) error {
	return t.Client.Del(ctx, holdKey(bookingID)).Err()
}

// AcquirePaymentLock marks a payment attempt in progress so concurrent Pay
// calls for the same booking do not create two intents.
func (t *Tracker) AcquirePaymentLock(ctx context.Context, bookingID, owner string, ttl time.Duration) error {
	ok, err := t.Client.SetNX(ctx, lockKey(bookingID), owner, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

func (t *Tracker) ReleasePaymentLock(ctx context.Context, bookingID, owner string) error {
	return releaseScript.Run(ctx, t.Client, []string{lockKey(bookingID)}, owner).Err()
}

// EnableExpiryNotifications turns on expired-key events. Managed Redis
// offerings may refuse CONFIG SET; the reaper still covers that case.
func (t *Tracker) EnableExpiryNotifications(ctx context.Context) {
	if _, err := t.Client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Result(); err != nil {
		t.log.Warn("REDIS", fmt.Sprintf("Failed to enable keyspace notifications: %v", err))
		return
	}
	t.log.Info("REDIS", "Keyspace notifications enabled for expired events")
}

// SubscribeExpired calls handle with the booking ID of every hold that
// expires. The subscription is confirmed before returning; delivery runs in a
// goroutine until ctx is cancelled.
func (t *Tracker) SubscribeExpired(ctx context.Context, handle func(ctx context.Context, bookingID string)) error {
	channel := fmt.Sprintf("__keyevent@%d__:expired", t.Client.Options().DB)
	pubsub := t.Client.PSubscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	t.log.Info("REDIS", fmt.Sprintf("Subscribed to %s", channel))

	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if !strings.HasPrefix(msg.Payload, holdPrefix) {
					continue
				}
				bookingID := strings.TrimPrefix(msg.Payload, holdPrefix)
				t.log.LogBooking("HOLD_EXPIRED", bookingID, "hold key expired")
				handle(ctx, bookingID)
			}
		}
	}()
	return nil
}
