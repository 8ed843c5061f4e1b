package stream

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

// Handler upgrades the request to a websocket and writes every hub event as
// JSON until the client goes away. originPatterns are passed to Accept.
func Handler(h *Hub, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, originPatterns)
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("websocket accept failed")
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sub := h.Subscribe(64)
		defer h.Unsubscribe(sub)

		// The feed is one-way; CloseRead cancels ctx when the peer closes.
		ctx = conn.CloseRead(ctx)
		if err := write(ctx, conn, NewEvent(EventReady, nil)); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case evt, ok := <-sub:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "shutdown")
					return
				}
				if err := write(ctx, conn, evt); err != nil {
					_ = conn.Close(websocket.StatusInternalError, "write_failed")
					return
				}
			}
		}
	}
}

// Accept upgrades the request after lifting the server's read and write
// deadlines, which would otherwise end a long-lived feed.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns []string) (*websocket.Conn, error) {
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})
	return websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
}

func write(ctx context.Context, conn *websocket.Conn, evt Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}

// Relay copies every message from src to dst until either side goes away.
// dst is only read for its close frame.
func Relay(ctx context.Context, dst, src *websocket.Conn) error {
	ctx = dst.CloseRead(ctx)
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = dst.Close(websocket.StatusNormalClosure, "closed")
				return nil
			}
			_ = dst.Close(websocket.StatusGoingAway, "upstream_closed")
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = dst.Write(wctx, typ, data)
		cancel()
		if err != nil {
			return err
		}
	}
}

// OriginHosts turns CORS origins such as https://emr.example.kr into the
// host patterns websocket.Accept expects.
func OriginHosts(origins []string) []string {
	var out []string
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}
