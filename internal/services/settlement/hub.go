package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ticket-client/models"
)

// DefaultRetention is how long the Hub remembers a settlement nobody was
// watching yet.
const DefaultRetention = 10 * time.Minute

type watcher struct {
	ctx  context.Context
	ch   chan Update
	done chan struct{}
}

// Hub fans settlement notifications out to watchers in the same process. It
// is fed by the webhook receiver and by the PubNub source.
type Hub struct {
	logger    *zap.Logger
	retention time.Duration
	now       func() time.Time

	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}
	// early holds settlements that arrived before a Watch; the gateway may
	// call back before the client starts waiting.
	early map[string]Update
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:    logger,
		retention: DefaultRetention,
		now:       time.Now,
		watchers:  make(map[string]map[*watcher]struct{}),
		early:     make(map[string]Update),
	}
}

func (h *Hub) Watch(ctx context.Context, paymentID string) (<-chan Update, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("Hub.Watch: empty payment id")
	}

	w := &watcher{ctx: ctx, ch: make(chan Update, 1), done: make(chan struct{})}

	h.mu.Lock()
	if u, ok := h.early[paymentID]; ok {
		delete(h.early, paymentID)
		h.mu.Unlock()
		w.ch <- u
		close(w.ch)
		return w.ch, nil
	}
	if h.watchers[paymentID] == nil {
		h.watchers[paymentID] = make(map[*watcher]struct{})
	}
	h.watchers[paymentID][w] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.remove(paymentID, w)
		case <-w.done:
		}
	}()
	return w.ch, nil
}

func (h *Hub) remove(paymentID string, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.watchers[paymentID]
	if _, ok := set[w]; !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(h.watchers, paymentID)
	}
	close(w.ch)
}

// Publish delivers n to every watcher of its payment and returns how many
// received it. PENDING notifications are ignored.
func (h *Hub) Publish(n models.SettlementNotification) int {
	if !Terminal(n.Status) {
		return 0
	}
	u := Update{PaymentID: n.PaymentID, Status: n.Status, At: h.now()}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.prune(u.At)

	set := h.watchers[n.PaymentID]
	delete(h.watchers, n.PaymentID)

	delivered := 0
	for w := range set {
		// A watcher whose context ended may not have been removed yet.
		if w.ctx.Err() == nil {
			w.ch <- u
			delivered++
		}
		close(w.ch)
		close(w.done)
	}

	if delivered == 0 {
		h.early[n.PaymentID] = u
		h.logger.Debug("settlement held for later watcher",
			zap.String("payment_id", n.PaymentID), zap.String("status", string(n.Status)))
		return 0
	}
	h.logger.Info("settlement delivered",
		zap.String("payment_id", n.PaymentID),
		zap.String("status", string(n.Status)),
		zap.Int("watchers", delivered))
	return delivered
}

func (h *Hub) prune(now time.Time) {
	for id, u := range h.early {
		if now.Sub(u.At) > h.retention {
			delete(h.early, id)
		}
	}
}
