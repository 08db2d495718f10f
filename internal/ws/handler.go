package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/antioch-platform/livesync/internal/hub"
	"github.com/antioch-platform/livesync/internal/metrics"
	"github.com/antioch-platform/livesync/internal/room"
	"github.com/antioch-platform/livesync/pkg/types"
	"github.com/cockroachdb/errors"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Options struct {
	Logger       *zap.Logger
	OutboxSize   int
	ReadLimit    int64
	WriteTimeout time.Duration
	// InboundRPS of 0 disables the per-connection limiter.
	InboundRPS     float64
	InboundBurst   int
	OriginPatterns []string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Handler serves /sessions/{id}/ws. Each socket becomes one room connection:
// a writer drains the room's outbox and a reader feeds decoded frames back.
func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	opts = opts.withDefaults()

	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		rm := h.Get(sessionID)
		if rm == nil || rm.Ended() {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			opts.Logger.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(opts.ReadLimit)

		c := room.NewConn(uuid.NewString(), opts.OutboxSize)
		log := opts.Logger.With(zap.String("session", sessionID), zap.String("conn", c.ID))
		if !rm.Send(room.Attach{Conn: c}) {
			_ = conn.Close(websocket.StatusGoingAway, types.ReasonShutdown)
			return
		}
		log.Debug("socket attached")

		g, ctx := errgroup.WithContext(r.Context())
		g.Go(func() error { return writeLoop(ctx, conn, c, opts.WriteTimeout) })
		g.Go(func() error {
			defer rm.Send(room.Detach{ConnID: c.ID})
			return readLoop(ctx, conn, rm, c.ID, opts, log)
		})

		if err := g.Wait(); err != nil && !isNormalClose(err) {
			log.Debug("socket closed", zap.Error(err))
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, c *room.Conn, timeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-c.Outbox():
			if !ok {
				// The room let go of this connection.
				reason := c.CloseReason()
				if reason == "" {
					return nil
				}
				return conn.Close(closeStatus(reason), reason)
			}
			data, err := types.Encode(msg)
			if err != nil {
				return err
			}
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return errors.Wrap(err, "write")
			}
		}
	}
}

// closeStatus maps a room close reason to the websocket status sent with it.
func closeStatus(reason string) websocket.StatusCode {
	switch reason {
	case types.ReasonSlowConsumer, types.ReasonRateLimited:
		return websocket.StatusTryAgainLater
	case types.ReasonShutdown:
		return websocket.StatusGoingAway
	default:
		return websocket.StatusNormalClosure
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, rm *room.Room, connID string, opts Options, log *zap.Logger) error {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.InboundRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.InboundRPS), max(opts.InboundBurst, 1))
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if !limiter.Allow() {
			// Never drop a frame here: close, and the client catches up on rejoin.
			metrics.RateLimited()
			log.Warn("inbound rate exceeded, closing socket")
			return conn.Close(closeStatus(types.ReasonRateLimited), types.ReasonRateLimited)
		}

		msg, err := types.Decode(data)
		if err != nil {
			log.Warn("dropping undecodable frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if !rm.Send(room.FromClient{ConnID: connID, Msg: msg}) {
			return nil
		}
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}
