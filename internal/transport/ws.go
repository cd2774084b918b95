package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/protobridge/internal/bridge"
	"github.com/gaspardpetit/protobridge/internal/logx"
	"github.com/gaspardpetit/protobridge/internal/negotiate"
	"github.com/gaspardpetit/protobridge/internal/protocol"
	"github.com/gaspardpetit/protobridge/internal/router"
	"github.com/gaspardpetit/protobridge/internal/serverstate"
)

// MaxFrameBytes bounds a single inbound frame.
const MaxFrameBytes = 1 << 20

var (
	errConnClosed  = errors.New("transport: connection closed")
	errOfferClosed = errors.New("transport: negotiation already finished")
)

// Sessions is the part of the bridge the websocket handler drives.
type Sessions interface {
	Connect(ctx context.Context, h *protocol.Handshake, confirm negotiate.ConfirmFunc) (bridge.Session, error)
	Renegotiate(ctx context.Context, id string, h *protocol.Handshake, confirm negotiate.ConfirmFunc) (bridge.Session, error)
	Disconnect(id string)
	Handle(from string, env protocol.Envelope) []router.Decision
	Phase() protocol.Phase
}

// WSHandler accepts bridge clients. The first frame must be a register
// handshake; the server may then offer a version with a negotiate frame and
// always concludes with a welcome frame.
func WSHandler(sessions Sessions, hub *Hub, clientKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.SetReadLimit(MaxFrameBytes)
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		defer func() {
			_ = c.Close(websocket.StatusInternalError, "server error")
		}()

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var hs protocol.Handshake
		if err := json.Unmarshal(data, &hs); err != nil || hs.Type != protocol.TypeRegister {
			_ = c.Close(websocket.StatusPolicyViolation, "expected register")
			return
		}
		if clientKey == "" && hs.ClientKey != "" {
			_ = c.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}
		if clientKey != "" && hs.ClientKey != clientKey {
			_ = c.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}
		if hs.SessionID == "" {
			hs.SessionID = uuid.NewString()
		}

		cn, err := hub.attach(hs.SessionID, c)
		if err != nil {
			_ = c.Close(websocket.StatusPolicyViolation, "session already connected")
			return
		}
		defer hub.detach(cn)

		frames := make(chan []byte)
		readErr := make(chan error, 1)
		go func() {
			defer close(frames)
			for {
				_, msg, err := c.Read(ctx)
				if err != nil {
					readErr <- err
					cancel()
					return
				}
				select {
				case frames <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()

		off := &offer{connCtx: ctx, c: c, frames: frames}
		sess, err := sessions.Connect(ctx, &hs, off.confirm)
		late := off.close()
		if err != nil {
			if errors.Is(err, bridge.ErrSessionExists) {
				_ = c.Close(websocket.StatusPolicyViolation, "session already connected")
			}
			logx.Log.Info().Err(err).Str("session_id", hs.SessionID).Msg("handshake aborted")
			return
		}
		defer sessions.Disconnect(sess.ID)
		log := logx.Session(sess.ID)

		if err := writeJSON(ctx, c, welcome(sess, sessions.Phase())); err != nil {
			return
		}
		go writer(ctx, cancel, c, cn)

		dispatch := func(msg []byte) {
			var head struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &head); err != nil || head.Type == "" {
				log.Debug().Msg("ignoring frame without type")
				return
			}
			switch head.Type {
			case protocol.TypeRenegotiate:
				var h protocol.Handshake
				if err := json.Unmarshal(msg, &h); err != nil {
					return
				}
				s, err := sessions.Renegotiate(ctx, sess.ID, &h, nil)
				if err != nil {
					log.Warn().Err(err).Msg("renegotiate failed")
					return
				}
				if err := hub.enqueue(sess.ID, welcome(s, sessions.Phase())); err != nil {
					log.Warn().Err(err).Msg("welcome after renegotiate dropped")
				}
			case protocol.TypeRegister, protocol.TypeNegotiateAck, protocol.TypeNegotiate, protocol.TypeWelcome:
				log.Debug().Str("type", head.Type).Msg("unexpected control frame")
			default:
				var env protocol.Envelope
				if err := json.Unmarshal(msg, &env); err != nil {
					log.Debug().Err(err).Msg("invalid envelope")
					return
				}
				sessions.Handle(sess.ID, env)
			}
		}
		if late != nil {
			dispatch(late)
		}
		for msg := range frames {
			dispatch(msg)
		}

		var rerr error
		select {
		case rerr = <-readErr:
		default:
		}
		var ce websocket.CloseError
		switch {
		case errors.As(rerr, &ce):
			lvl := log.Info()
			if ce.Code != websocket.StatusNormalClosure && ce.Code != websocket.StatusGoingAway {
				lvl = log.Warn()
			}
			lvl.Str("reason", ce.Reason).Msg("disconnected")
		case rerr != nil:
			log.Info().Err(rerr).Msg("disconnected")
		}
		_ = c.Close(websocket.StatusNormalClosure, "")
	}
}

// offer runs the negotiate exchange for one connection. Once closed it no
// longer reads frames or writes to the connection.
type offer struct {
	connCtx context.Context
	c       *websocket.Conn
	frames  <-chan []byte

	mu      sync.Mutex
	closed  bool
	pending []byte
}

// confirm offers version with a negotiate frame and waits for the matching
// negotiate_ack. Other frames received while the offer is open are dropped.
func (o *offer) confirm(ctx context.Context, version string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errOfferClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeJSON(o.connCtx, o.c, protocol.NegotiateMessage{Type: protocol.TypeNegotiate, Version: version}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-o.frames:
			if !ok {
				return errConnClosed
			}
			if err := ctx.Err(); err != nil {
				// the handshake is over; keep the frame for the session loop
				if !isAck(msg) {
					o.pending = msg
				}
				return err
			}
			if done, err := checkAck(msg, version); done {
				return err
			}
		}
	}
}

// close ends the exchange, waiting for a running confirm to return, and
// hands back a frame it read after the offer expired.
func (o *offer) close() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	msg := o.pending
	o.pending = nil
	return msg
}

func isAck(msg []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(msg, &head) == nil && head.Type == protocol.TypeNegotiateAck
}

// checkAck inspects a frame read during negotiation and reports whether the
// exchange is over and with which result.
func checkAck(msg []byte, version string) (bool, error) {
	var ack protocol.NegotiateAckMessage
	if err := json.Unmarshal(msg, &ack); err != nil || ack.Type != protocol.TypeNegotiateAck {
		logx.Log.Debug().Str("type", ack.Type).Msg("frame during negotiation dropped")
		return false, nil
	}
	if !ack.Accepted {
		return true, fmt.Errorf("%w: client declined %s", negotiate.ErrRejected, version)
	}
	if ack.Version != "" && ack.Version != version {
		return true, fmt.Errorf("%w: client answered %s to %s", negotiate.ErrRejected, ack.Version, version)
	}
	return true, nil
}

func welcome(s bridge.Session, phase protocol.Phase) protocol.WelcomeMessage {
	return protocol.WelcomeMessage{
		Type:             protocol.TypeWelcome,
		SessionID:        s.ID,
		Version:          s.Version(),
		SupportsEnhanced: s.Record.SupportsEnhanced,
		Phase:            phase,
	}
}

// writer drains the session queue in order until the connection ends.
func writer(ctx context.Context, cancel context.CancelFunc, c *websocket.Conn, cn *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cn.done:
			return
		case msg := <-cn.send:
			if err := writeJSON(ctx, c, msg); err != nil {
				cancel()
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, c *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, b)
}
