package protocol

import "encoding/json"

// Control frame types exchanged on the duplex channel. Every other frame
// type is an application envelope.
const (
	TypeRegister     = "register"
	TypeNegotiate    = "negotiate"
	TypeNegotiateAck = "negotiate_ack"
	TypeWelcome      = "welcome"
	TypeRenegotiate  = "renegotiate"
)

// Handshake is the first frame a client sends after connecting. It is also
// the body of a renegotiate frame.
type Handshake struct {
	Type         string          `json:"type"`
	SessionID    string          `json:"session_id,omitempty"`
	ClientKey    string          `json:"client_key,omitempty"`
	ClientName   string          `json:"client_name,omitempty"`
	Protocol     string          `json:"protocol,omitempty"`
	Version      string          `json:"version,omitempty"`
	MessageTypes []string        `json:"message_types,omitempty"`
	Features     map[string]bool `json:"features,omitempty"`
}

// NegotiateMessage offers the selected protocol version to the client.
type NegotiateMessage struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// NegotiateAckMessage is the client's answer to a NegotiateMessage.
type NegotiateAckMessage struct {
	Type     string `json:"type"`
	Version  string `json:"version"`
	Accepted bool   `json:"accepted"`
}

// WelcomeMessage concludes the handshake.
type WelcomeMessage struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	Version          string `json:"version"`
	SupportsEnhanced bool   `json:"supports_enhanced"`
	Phase            Phase  `json:"phase"`
}

// Envelope is an application message routed by the bridge.
type Envelope struct {
	ID             string          `json:"id,omitempty"`
	Type           string          `json:"type"`
	Source         string          `json:"source,omitempty"`
	Target         string          `json:"target,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SourceProtocol Protocol        `json:"source_protocol,omitempty"`
	DuplicateOf    string          `json:"duplicate_of,omitempty"`
}

// Clone returns a copy of e whose payload does not alias e's.
func (e Envelope) Clone() Envelope {
	c := e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return c
}
