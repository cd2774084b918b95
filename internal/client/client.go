// Package client is a minimal bridge client used by tools and tests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/protobridge/internal/protocol"
)

// ErrUnexpectedFrame reports a frame that does not fit the handshake.
var ErrUnexpectedFrame = errors.New("client: unexpected frame")

// Options describe how the client presents itself.
type Options struct {
	URL          string
	ClientKey    string
	SessionID    string
	ClientName   string
	Protocol     string
	Version      string
	MessageTypes []string
	Features     map[string]bool
	// Accept decides whether an offered version is acceptable. Nil accepts
	// every offer; a client that never answers can set NoAck.
	Accept func(version string) bool
	NoAck  bool
}

// Client is a connected session.
type Client struct {
	ws   *websocket.Conn
	opts Options

	mu      sync.Mutex
	welcome protocol.WelcomeMessage
}

// Dial connects, registers, answers negotiation, and waits for the welcome
// frame.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(1 << 20)
	c := &Client{ws: ws, opts: opts}
	reg := protocol.Handshake{
		Type:         protocol.TypeRegister,
		SessionID:    opts.SessionID,
		ClientKey:    opts.ClientKey,
		ClientName:   opts.ClientName,
		Protocol:     opts.Protocol,
		Version:      opts.Version,
		MessageTypes: opts.MessageTypes,
		Features:     opts.Features,
	}
	if err := c.write(ctx, reg); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "register failed")
		return nil, err
	}
	for {
		head, data, err := c.read(ctx)
		if err != nil {
			_ = ws.Close(websocket.StatusInternalError, "handshake failed")
			return nil, err
		}
		switch head {
		case protocol.TypeNegotiate:
			var m protocol.NegotiateMessage
			if err := json.Unmarshal(data, &m); err != nil {
				_ = ws.Close(websocket.StatusInternalError, "invalid negotiate frame")
				return nil, err
			}
			if opts.NoAck {
				continue
			}
			ok := opts.Accept == nil || opts.Accept(m.Version)
			ack := protocol.NegotiateAckMessage{Type: protocol.TypeNegotiateAck, Version: m.Version, Accepted: ok}
			if err := c.write(ctx, ack); err != nil {
				_ = ws.Close(websocket.StatusInternalError, "ack failed")
				return nil, err
			}
		case protocol.TypeWelcome:
			var w protocol.WelcomeMessage
			if err := json.Unmarshal(data, &w); err != nil {
				_ = ws.Close(websocket.StatusInternalError, "invalid welcome frame")
				return nil, err
			}
			c.setWelcome(w)
			return c, nil
		default:
			_ = ws.Close(websocket.StatusProtocolError, "expected welcome")
			return nil, fmt.Errorf("%w: %q before welcome", ErrUnexpectedFrame, head)
		}
	}
}

// Welcome returns the latest welcome frame.
func (c *Client) Welcome() protocol.WelcomeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

func (c *Client) setWelcome(w protocol.WelcomeMessage) {
	c.mu.Lock()
	c.welcome = w
	c.mu.Unlock()
}

// SessionID returns the ID assigned by the server.
func (c *Client) SessionID() string { return c.Welcome().SessionID }

// Send writes an envelope. An empty target broadcasts.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	if env.Type == "" {
		return errors.New("client: envelope type is required")
	}
	return c.write(ctx, env)
}

// Renegotiate sends new capabilities. The resulting welcome frame is
// consumed by Receive.
func (c *Client) Renegotiate(ctx context.Context, h protocol.Handshake) error {
	h.Type = protocol.TypeRenegotiate
	return c.write(ctx, h)
}

// Receive returns the next envelope. Welcome frames update Welcome and are
// not returned.
func (c *Client) Receive(ctx context.Context) (protocol.Envelope, error) {
	for {
		head, data, err := c.read(ctx)
		if err != nil {
			return protocol.Envelope{}, err
		}
		switch head {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMessage
			if err := json.Unmarshal(data, &w); err == nil {
				c.setWelcome(w)
			}
		case protocol.TypeNegotiate:
		default:
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return protocol.Envelope{}, err
			}
			return env, nil
		}
	}
}

// Close ends the session normally.
func (c *Client) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Client) write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, b)
}

func (c *Client) read(ctx context.Context) (string, []byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return "", nil, err
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", nil, err
	}
	return head.Type, data, nil
}
