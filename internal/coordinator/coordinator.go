// Package coordinator shares the verification slots between batches. One
// batch at a time holds the global activation marker; its eligible addresses
// are spread round-robin over the slots, and slot i is served by credential i.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-validator/internal/pkg/backoff"
)

// ErrActivationTimeout is returned when another batch keeps the activation
// marker for longer than the configured maximum wait.
var ErrActivationTimeout = errors.New("coordinator: activation wait exceeded")

const activeKey = "val:active_batch_id"

func cursorKey(batch int64) string    { return fmt.Sprintf("val:batch:%d:rr", batch) }
func activatedKey(batch int64) string { return fmt.Sprintf("val:batch:%d:activated", batch) }
func slotsKey(batch int64) string     { return fmt.Sprintf("val:batch:%d:slots", batch) }
func slotBatchKey(slot int) string    { return fmt.Sprintf("val:slot:%d:batch_id", slot) }
func slotTSKey(slot int) string       { return fmt.Sprintf("val:slot:%d:batch_ts", slot) }

// compareAndDeleteLuaScript deletes every key when KEYS[1] holds ARGV[1].
const compareAndDeleteLuaScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", unpack(KEYS))
end
return 0
`

// Options tunes activation polling.
type Options struct {
	Poll    backoff.Backoff
	MaxWait time.Duration
	Now     func() time.Time
}

// Coordinator maps batches to slots. All state is in Redis and can be rebuilt
// by Reset plus the reconciler.
type Coordinator struct {
	rdb     redis.UniversalClient
	slots   int
	opts    Options
	release *redis.Script
}

// New creates a coordinator over slots slots.
func New(rdb redis.UniversalClient, slots int, opts Options) *Coordinator {
	if opts.Poll.Base == 0 {
		opts.Poll = backoff.Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		rdb:     rdb,
		slots:   slots,
		opts:    opts,
		release: redis.NewScript(compareAndDeleteLuaScript),
	}
}

// Slots is the number of slots.
func (c *Coordinator) Slots() int { return c.slots }

// EnsureActivated returns once batch holds the activation marker. It is
// idempotent for the holder and polls with jittered backoff otherwise. A batch
// already marked activated keeps receiving slots without consulting the
// marker.
func (c *Coordinator) EnsureActivated(ctx context.Context, batch int64) error {
	n, err := c.rdb.Exists(ctx, activatedKey(batch)).Result()
	if err != nil {
		return fmt.Errorf("read activated flag: %w", err)
	}
	if n > 0 {
		return nil
	}

	id := strconv.FormatInt(batch, 10)
	err = backoff.Poll(ctx, c.opts.Poll, c.opts.MaxWait, func(ctx context.Context) (bool, error) {
		ok, err := c.rdb.SetNX(ctx, activeKey, id, 0).Result()
		if err != nil {
			return false, fmt.Errorf("claim activation: %w", err)
		}
		if !ok {
			cur, err := c.rdb.Get(ctx, activeKey).Result()
			if errors.Is(err, redis.Nil) {
				// cleared between SETNX and GET
				return false, nil
			}
			if err != nil {
				return false, fmt.Errorf("read activation: %w", err)
			}
			if cur != id {
				return false, nil
			}
		}
		if err := c.rdb.Set(ctx, activatedKey(batch), "1", 0).Err(); err != nil {
			return false, fmt.Errorf("mark activated: %w", err)
		}
		return true, nil
	})
	if errors.Is(err, backoff.ErrTimeout) {
		return ErrActivationTimeout
	}
	return err
}

// NextSlot returns the next slot for batch in round-robin order and records
// the slot's ownership and liveness.
func (c *Coordinator) NextSlot(ctx context.Context, batch int64) (int, error) {
	if c.slots <= 0 {
		return 0, errors.New("coordinator: no slots configured")
	}
	n, err := c.rdb.Incr(ctx, cursorKey(batch)).Result()
	if err != nil {
		return 0, fmt.Errorf("advance cursor: %w", err)
	}
	slot := int((n - 1) % int64(c.slots))

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, slotBatchKey(slot), batch, 0)
	pipe.Set(ctx, slotTSKey(slot), c.opts.Now().UnixMilli(), 0)
	pipe.SAdd(ctx, slotsKey(batch), slot)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record slot %d: %w", slot, err)
	}
	return slot, nil
}

// Release clears batch's coordination state and frees the activation marker
// if batch holds it. Unknown batches are a no-op.
func (c *Coordinator) Release(ctx context.Context, batch int64) error {
	slots, err := c.rdb.SMembers(ctx, slotsKey(batch)).Result()
	if err != nil {
		return fmt.Errorf("release slots: %w", err)
	}
	id := strconv.FormatInt(batch, 10)
	for _, s := range slots {
		slot, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		if err := c.release.Run(ctx, c.rdb, []string{slotBatchKey(slot), slotTSKey(slot)}, id).Err(); err != nil {
			return fmt.Errorf("release slot %d: %w", slot, err)
		}
	}
	if err := c.rdb.Del(ctx, cursorKey(batch), activatedKey(batch), slotsKey(batch)).Err(); err != nil {
		return fmt.Errorf("release batch keys: %w", err)
	}
	if err := c.release.Run(ctx, c.rdb, []string{activeKey}, id).Err(); err != nil {
		return fmt.Errorf("release activation: %w", err)
	}
	return nil
}

// Heartbeat refreshes slot liveness.
func (c *Coordinator) Heartbeat(ctx context.Context, slot int) error {
	if err := c.rdb.Set(ctx, slotTSKey(slot), c.opts.Now().UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("heartbeat slot %d: %w", slot, err)
	}
	return nil
}

// SlotOwner is a slot that is assigned to a batch.
type SlotOwner struct {
	Slot     int       `json:"slot"`
	BatchID  int64     `json:"batch_id"`
	LastSeen time.Time `json:"last_seen"`
}

// Assignments lists every slot currently assigned to a batch.
func (c *Coordinator) Assignments(ctx context.Context) ([]SlotOwner, error) {
	var out []SlotOwner
	for slot := 0; slot < c.slots; slot++ {
		vals, err := c.rdb.MGet(ctx, slotBatchKey(slot), slotTSKey(slot)).Result()
		if err != nil {
			return nil, fmt.Errorf("read slot %d: %w", slot, err)
		}
		batchStr, _ := vals[0].(string)
		if batchStr == "" {
			continue
		}
		batch, err := strconv.ParseInt(batchStr, 10, 64)
		if err != nil {
			continue
		}
		tsStr, _ := vals[1].(string)
		ts, _ := strconv.ParseInt(tsStr, 10, 64)
		out = append(out, SlotOwner{Slot: slot, BatchID: batch, LastSeen: time.UnixMilli(ts).UTC()})
	}
	return out, nil
}

// StaleSlots returns assigned slots whose liveness is older than timeout.
func (c *Coordinator) StaleSlots(ctx context.Context, timeout time.Duration) ([]SlotOwner, error) {
	owners, err := c.Assignments(ctx)
	if err != nil {
		return nil, err
	}
	now := c.opts.Now()
	var stale []SlotOwner
	for _, o := range owners {
		if now.Sub(o.LastSeen) > timeout {
			stale = append(stale, o)
		}
	}
	return stale, nil
}

// ActiveBatch returns the batch holding the activation marker.
func (c *Coordinator) ActiveBatch(ctx context.Context) (int64, bool, error) {
	v, err := c.rdb.Get(ctx, activeKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("active batch: %w", err)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("active batch %q: %w", v, err)
	}
	return id, true, nil
}

// Reset deletes every coordination key.
func (c *Coordinator) Reset(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, "val:*", 500).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan coordination keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("delete coordination keys: %w", err)
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}
