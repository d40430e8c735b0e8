package stream

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/clock/system"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/metrics"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
	"github.com/JakeFAU/procurement-enricher/internal/progress"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Snapshots reads the current state of an operation.
type Snapshots interface {
	Get(id string) (operation.Operation, error)
}

// Subscriber hands out live event feeds for one operation.
type Subscriber interface {
	Subscribe(operationID string) (<-chan progress.Event, func())
}

// HandlerConfig tunes the websocket handler.
type HandlerConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	Clock        enrich.Clock
	Logger       *zap.Logger
}

// Handler serves GET /operations/{id}/stream.
type Handler struct {
	ops      Snapshots
	subs     Subscriber
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(ops Snapshots, subs Subscriber, cfg HandlerConfig) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		ops:  ops,
		subs: subs,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.Named("stream"),
	}
}

// ServeHTTP upgrades the request and relays the operation's events until a
// terminal event, a client disconnect or a write failure.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading the snapshot so nothing falls between them.
	events, cancel := h.subs.Subscribe(id)
	defer cancel()

	snap, err := h.ops.Get(id)
	if err != nil {
		if errors.Is(err, operation.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("operation_id", id), zap.Error(err))
		return
	}
	defer conn.Close()
	metrics.IncStreamSubscribers()
	defer metrics.DecStreamSubscribers()

	log := h.logger.With(zap.String("operation_id", id))
	log.Debug("stream connected")

	s := &session{conn: conn, writeTimeout: h.cfg.WriteTimeout}
	hello := progress.Event{
		Type:        progress.TypeConnectionEstablished,
		OperationID: id,
		Kind:        snap.Kind,
		TS:          h.cfg.Clock.Now(),
		Status:      string(snap.Status),
		Step:        snap.StepCurrent,
		Total:       snap.StepTotal,
		Percentage:  snap.Percentage,
	}
	if err := s.send(hello); err != nil {
		log.Debug("stream write failed", zap.Error(err))
		return
	}
	if err := s.send(operation.SnapshotEvent(snap, h.cfg.Clock.Now())); err != nil {
		log.Debug("stream write failed", zap.Error(err))
		return
	}
	if snap.Status.Terminal() {
		s.closeNormal("operation finished")
		return
	}

	gone := readPump(conn)
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			log.Debug("stream client went away")
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				log.Debug("stream ping failed", zap.Error(err))
				return
			}
		case evt, ok := <-events:
			if !ok {
				// The feed ends on a terminal event or when this subscriber
				// lagged; either way the snapshot settles what the client saw.
				if !s.terminalSent {
					h.resync(s, id, log)
				}
				s.closeNormal("operation finished")
				return
			}
			if stale(evt, snap) {
				continue
			}
			if err := s.send(evt); err != nil {
				log.Debug("stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Handler) resync(s *session, id string, log *zap.Logger) {
	snap, err := h.ops.Get(id)
	if err != nil {
		log.Warn("stream resync failed", zap.Error(err))
		return
	}
	if err := s.send(operation.SnapshotEvent(snap, h.cfg.Clock.Now())); err != nil {
		log.Debug("stream write failed", zap.Error(err))
	}
}

// stale reports whether the snapshot already reflects evt.
func stale(evt progress.Event, snap operation.Operation) bool {
	if evt.TS.Before(snap.UpdatedAt) {
		return true
	}
	return evt.TS.Equal(snap.UpdatedAt) && !evt.Terminal()
}

type session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	terminalSent bool
}

func (s *session) send(evt progress.Event) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(evt); err != nil {
		return err
	}
	if evt.Terminal() {
		s.terminalSent = true
	}
	return nil
}

func (s *session) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

func (s *session) closeNormal(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
}

// readPump drains client frames so control frames are processed, and
// closes the returned channel once the client disconnects.
func readPump(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return gone
}
