package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/idempotency"
	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

// Idempotency replays cached results for messages already processed within
// the TTL. The fingerprint defaults to "name:id" and can be overridden per
// message via the idempotency.MetadataKey metadata entry.
//
// Cache misses are built under a per-fingerprint single-flight guarantee:
// concurrent calls for the same fingerprint coalesce into one inner
// invocation and share its outcome. Only successful results are stored.
//
// Replayed responses are returned as json.RawMessage since the store keeps
// them serialized.
func Idempotency(store idempotency.Store, ttl time.Duration, clk clock.Clock) Decorator {
	group := &singleflight.Group{}

	return func(next processing.Processor) processing.Processor {
		return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
			fingerprint := idempotency.Fingerprint(msg, pc)

			rec, ok, err := store.Get(ctx, fingerprint)
			if err != nil {
				return processing.Result{}, fmt.Errorf("idempotency lookup: %w", err)
			}
			if ok {
				res := processing.Result{Success: rec.Success, Message: rec.Message}
				if len(rec.Response) > 0 {
					res.Response = json.RawMessage(rec.Response)
				}
				return res, nil
			}

			v, err, _ := group.Do(fingerprint, func() (any, error) {
				res, err := next.Process(ctx, msg, pc)
				if err != nil {
					return res, err
				}

				if res.Success {
					record := &idempotency.Record{
						Fingerprint: fingerprint,
						Success:     true,
						Message:     res.Message,
						ExpiresAt:   clk.Now().Add(ttl),
					}
					if res.Response != nil {
						payload, merr := json.Marshal(res.Response)
						if merr != nil {
							return res, fmt.Errorf("idempotency response marshal: %w", merr)
						}
						record.Response = payload
					}
					if serr := store.Set(ctx, record); serr != nil {
						return res, fmt.Errorf("idempotency store: %w", serr)
					}
				}

				return res, nil
			})

			res, _ := v.(processing.Result)
			return res, err
		})
	}
}
