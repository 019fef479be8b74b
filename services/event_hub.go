package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// EventHub fans notifications out to in-process subscribers (SSE streams).
// With a Postgres listener attached, it LISTENs on a channel while anyone subscribes to it.
type EventHub struct {
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[string]map[chan Notification]struct{}
	listener *pq.Listener
}

func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{logger: logger, subs: make(map[string]map[chan Notification]struct{})}
}

// AttachListener connects the hub to Postgres NOTIFY and relays until ctx is done.
func (h *EventHub) AttachListener(ctx context.Context, dsn string) {
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			h.logger.Warn("[SSE] listener event", "event", int(ev), "error", err)
		}
	})

	h.mu.Lock()
	h.listener = listener
	for channel := range h.subs {
		if err := listener.Listen(channel); err != nil {
			h.logger.Warn("[SSE] listen failed", "channel", channel, "error", err)
		}
	}
	h.mu.Unlock()

	go h.relay(ctx, listener)
}

func (h *EventHub) relay(ctx context.Context, listener *pq.Listener) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	defer listener.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			// nil after a reconnect
			if n == nil {
				continue
			}
			var note Notification
			if err := json.Unmarshal([]byte(n.Extra), &note); err != nil {
				h.logger.Warn("[SSE] bad payload", "channel", n.Channel, "error", err)
				continue
			}
			note.Channel = n.Channel
			h.deliver(note)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					h.logger.Warn("[SSE] listener ping failed", "error", err)
				}
			}()
		}
	}
}

// Publish delivers directly to local subscribers. It lets the hub act as the Notifier
// when no database broker is in use.
func (h *EventHub) Publish(_ context.Context, notes ...Notification) error {
	for _, note := range notes {
		h.deliver(note)
	}
	return nil
}

func (h *EventHub) deliver(note Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[note.Channel] {
		select {
		case ch <- note:
		default:
			h.logger.Warn("[SSE] subscriber slow, dropping", "channel", note.Channel, "event", note.Event)
		}
	}
}

// Subscribe registers for a channel. The returned cancel func must be called once.
func (h *EventHub) Subscribe(channels ...string) (<-chan Notification, func()) {
	ch := make(chan Notification, 32)

	h.mu.Lock()
	for _, channel := range channels {
		set, ok := h.subs[channel]
		if !ok {
			set = make(map[chan Notification]struct{})
			h.subs[channel] = set
			if h.listener != nil {
				if err := h.listener.Listen(channel); err != nil && err != pq.ErrChannelAlreadyOpen {
					h.logger.Warn("[SSE] listen failed", "channel", channel, "error", err)
				}
			}
		}
		set[ch] = struct{}{}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for _, channel := range channels {
				set := h.subs[channel]
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, channel)
					if h.listener != nil {
						_ = h.listener.Unlisten(channel)
					}
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of subscriptions on a channel.
func (h *EventHub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}
