package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
)

// Hub is an obs.Sink that fans events out to websocket subscribers. Emit
// never blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	buffer int
	logger *obs.Logger

	mu      sync.Mutex
	subs    map[chan obs.Event]struct{}
	dropped int
}

func NewHub(buffer int, logger *obs.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{buffer: buffer, logger: logger, subs: make(map[chan obs.Event]struct{})}
}

func (h *Hub) Emit(e obs.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}
}

// Subscribe registers a buffered channel. cancel unregisters and closes it.
func (h *Hub) Subscribe() (<-chan obs.Event, func()) {
	ch := make(chan obs.Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// ServeWS streams events as JSON text messages until the client goes away.
// An optional ?source= filter keeps only engine or lock events.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn(map[string]interface{}{
			"op":     "ws_accept",
			"req_id": requestID(r.Context()),
			"error":  err.Error(),
		})
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	source := r.URL.Query().Get("source")
	events, cancel := h.Subscribe()
	defer cancel()

	// Nothing is read from the client; CloseRead handles control frames
	// and cancels ctx when the peer closes.
	ctx := c.CloseRead(r.Context())
	h.logger.Info(map[string]interface{}{
		"op":     "ws_subscribe",
		"req_id": requestID(r.Context()),
		"source": source,
	})

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case e := <-events:
			if source != "" && e.Source != source {
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, c, e)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}
