package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
)

const (
	keepaliveInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS middleware and the bearer token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type EventsHandler struct {
	bus *jobs.EventBus
}

func NewEventsHandler(bus *jobs.EventBus) *EventsHandler {
	return &EventsHandler{bus: bus}
}

func eventFilter(r *http.Request) jobs.EventFilter {
	return jobs.EventFilter{
		Types: QueryStringList(r, "types"),
		Kinds: QueryStringList(r, "kinds"),
		Keys:  QueryStringList(r, "keys"),
	}
}

// sink is one connected stream client.
type sink interface {
	send(jobs.Event) error
	ping() error
}

// pump delivers backlog and then live events to s until ctx ends, the
// client goes away or a write fails.
func pump(ctx context.Context, s sink, backlog []jobs.Event, live <-chan jobs.Event, gone <-chan struct{}) error {
	for _, e := range backlog {
		if err := s.send(e); err != nil {
			return err
		}
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-gone:
			return nil
		case e := <-live:
			if err := s.send(e); err != nil {
				return err
			}
		case <-keepalive.C:
			if err := s.ping(); err != nil {
				return err
			}
		}
	}
}

type sseSink struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s sseSink) send(e jobs.Event) error {
	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s sseSink) ping() error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

type wsSink struct{ conn *websocket.Conn }

func (s wsSink) send(e jobs.Event) error {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(e)
}

func (s wsSink) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// StreamEvents serves filtered events as server-sent events. A
// Last-Event-ID header resumes after that event.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		WriteErrorDetail(w, http.StatusServiceUnavailable, CodeUnavailable, "event streaming not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorDetail(w, http.StatusInternalServerError, CodeInternal, "streaming not supported")
		return
	}

	backlog, live, cancel := h.bus.Resume(r.Header.Get("Last-Event-ID"), eventFilter(r))
	defer cancel()

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := hlog.FromRequest(r)
	log.Debug().Int("backlog", len(backlog)).Msg("sse client connected")
	err := pump(r.Context(), sseSink{w: w, f: flusher}, backlog, live, nil)
	log.Debug().Err(err).Msg("sse client disconnected")
}

// StreamWebSocket serves the same events as JSON text messages. Browsers
// cannot set headers on a WebSocket, so ?last_event_id= resumes instead.
// Client messages are read only to notice the close.
func (h *EventsHandler) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		WriteErrorDetail(w, http.StatusServiceUnavailable, CodeUnavailable, "event streaming not available")
		return
	}
	log := hlog.FromRequest(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	backlog, live, cancel := h.bus.Resume(r.URL.Query().Get("last_event_id"), eventFilter(r))
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Debug().Int("backlog", len(backlog)).Msg("websocket client connected")
	err = pump(r.Context(), wsSink{conn}, backlog, live, gone)
	if err == nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(wsWriteTimeout))
	}
	log.Debug().Err(err).Msg("websocket client disconnected")
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events/stream", h.StreamEvents)
	r.Get("/events/ws", h.StreamWebSocket)
}
