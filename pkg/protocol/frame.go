// Package protocol defines the wire types shared between the gateway and
// external clients: the envelope frame discriminator, the closed error
// shape, RPC method names, and event names.
package protocol

import "encoding/json"

// Version is the protocol version negotiated during hello/hello_ok.
const Version = 1

// MaxPayloadBytes is the default per-frame payload cap. hello_ok.policy can
// lower it per connection.
const MaxPayloadBytes = 16 << 20

// FrameType discriminates the kind of a wire Frame.
type FrameType string

const (
	FrameHello   FrameType = "hello"
	FrameHelloOK FrameType = "hello_ok"
	FrameReq     FrameType = "req"
	FrameRes     FrameType = "res"
	FrameEvent   FrameType = "event"
	FrameErr     FrameType = "error"
)

// Frame is the single envelope type carried over the WebSocket connection.
// Exactly one of the payload fields is populated, selected by Type.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`      // request/response correlation id
	Method  string          `json:"method,omitempty"`  // req
	Params  json.RawMessage `json:"params,omitempty"`  // req
	OK      *bool           `json:"ok,omitempty"`      // res
	Payload json.RawMessage `json:"payload,omitempty"` // res/event
	Error   *Error          `json:"error,omitempty"`   // res/error
	Event   string          `json:"event,omitempty"`   // event
	Seq     uint64          `json:"seq,omitempty"`     // event, per-connection monotonic
	Hello   *HelloParams    `json:"hello,omitempty"`
	HelloOK *HelloOKResult  `json:"hello_ok,omitempty"`
}

// ClientInfo identifies the connecting client in a hello frame.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
	Mode     string `json:"mode,omitempty"` // "cli", "web", "node", ...
}

// DeviceAuth authenticates a paired companion device: an ed25519 signature
// over "{id}|{signed_at}" with the public key registered at pairing time.
type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"` // base64 ed25519 public key
	Signature string `json:"signature"`  // base64 signature over id|signed_at
	SignedAt  int64  `json:"signed_at"`  // unix millis, rejected when stale
}

// HelloAuth carries one of the supported credentials.
type HelloAuth struct {
	Token  string      `json:"token,omitempty"`
	Device *DeviceAuth `json:"device,omitempty"`
}

// HelloParams is sent by the client as the first frame on a new connection.
type HelloParams struct {
	MinProtocol int        `json:"min_protocol"`
	MaxProtocol int        `json:"max_protocol"`
	Client      ClientInfo `json:"client"`
	Caps        []string   `json:"caps,omitempty"`
	Auth        HelloAuth  `json:"auth"`
}

// ServerInfo describes the server side of a negotiated connection.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	ConnID  string `json:"conn_id"`
}

// Features enumerates what this server build can do, so clients don't probe.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// AuthResult reports the authenticated role and scopes, plus a device token
// for reconnects when device auth was used.
type AuthResult struct {
	DeviceToken string   `json:"device_token,omitempty"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
}

// Policy conveys per-connection limits.
type Policy struct {
	MaxPayload     int64 `json:"max_payload"`
	MaxBuffered    int64 `json:"max_buffered"`
	TickIntervalMS int64 `json:"tick_interval_ms"`
}

// HelloOKResult is the server's reply to a successful hello.
type HelloOKResult struct {
	Protocol int             `json:"protocol"`
	Server   ServerInfo      `json:"server"`
	Features Features        `json:"features"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Auth     AuthResult      `json:"auth"`
	Policy   Policy          `json:"policy"`
}

// NewReq builds a request frame.
func NewReq(id, method string, params json.RawMessage) Frame {
	return Frame{Type: FrameReq, ID: id, Method: method, Params: params}
}

// NewRes builds a successful response frame.
func NewRes(id string, payload json.RawMessage) Frame {
	ok := true
	return Frame{Type: FrameRes, ID: id, OK: &ok, Payload: payload}
}

// NewErrRes builds an error response frame correlated to a request id.
func NewErrRes(id string, err *Error) Frame {
	ok := false
	return Frame{Type: FrameRes, ID: id, OK: &ok, Error: err}
}

// NewEventFrame builds an event frame; the connection's writer assigns Seq.
func NewEventFrame(name string, payload json.RawMessage) Frame {
	return Frame{Type: FrameEvent, Event: name, Payload: payload}
}
