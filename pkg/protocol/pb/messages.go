// Package pb defines the signaling messages carried on the control channel.
//
// Every frame on the wire is one ControlMessage with exactly one field set.
package pb

// ControlMessage wraps all control plane messages.
type ControlMessage struct {
	// Only one of these fields should be set.

	// Client -> server.
	RegisterRequest *RegisterRequest `json:"register_request,omitempty"`
	CallRequest     *CallRequest     `json:"call_request,omitempty"`
	AcceptRequest   *AcceptRequest   `json:"accept_request,omitempty"`
	RejectRequest   *RejectRequest   `json:"reject_request,omitempty"`
	HangupRequest   *HangupRequest   `json:"hangup_request,omitempty"`
	WhoRequest      *WhoRequest      `json:"who_request,omitempty"`
	EndpointOffer   *EndpointOffer   `json:"endpoint_offer,omitempty"`

	// Server -> client, command responses.
	RegisterResponse *RegisterResponse `json:"register_response,omitempty"`
	CallResponse     *CallResponse     `json:"call_response,omitempty"`
	AcceptResponse   *AcceptResponse   `json:"accept_response,omitempty"`
	RejectResponse   *RejectResponse   `json:"reject_response,omitempty"`
	HangupResponse   *HangupResponse   `json:"hangup_response,omitempty"`
	WhoResponse      *WhoResponse      `json:"who_response,omitempty"`
	ErrorResponse    *ErrorResponse    `json:"error_response,omitempty"`

	// Server -> client, asynchronous pushes.
	IncomingCallEvent *IncomingCallEvent `json:"incoming_call,omitempty"`
	QueuedEvent       *QueuedEvent       `json:"queued,omitempty"`
	AvailableEvent    *AvailableEvent    `json:"available,omitempty"`
	CallResolvedEvent *CallResolvedEvent `json:"call_resolved,omitempty"`
	HandoffRequest    *HandoffRequest    `json:"handoff_request,omitempty"`
	EndpointEvent     *EndpointEvent     `json:"endpoint,omitempty"`

	// Keepalive, either direction.
	Ping *Ping `json:"ping,omitempty"`
	Pong *Pong `json:"pong,omitempty"`
}

// ErrorCode identifies why a command was rejected.
type ErrorCode int32

const (
	CodeBadRequest             ErrorCode = 1  // malformed or out-of-order message
	CodeNotRegistered          ErrorCode = 2  // command before successful register
	CodeNoSuchUser             ErrorCode = 10 // call target unknown or offline
	CodeSelfCall               ErrorCode = 11 // user called themselves
	CodeCallerBusy             ErrorCode = 12 // a party already has a pending call attempt
	CodeDuplicateActiveSession ErrorCode = 13 // username re-registered from a newer connection
	CodeInvalidTransition      ErrorCode = 14 // command not valid in the current call state
	CodeHandoffFailed          ErrorCode = 15 // endpoint exchange failed or timed out
)

// ----- Registration -----

type RegisterRequest struct {
	Username string `json:"username"`
	// UDPPort is the local port the client's audio socket is bound to.
	// Advertised up front so the server can fall back to it during handoff.
	UDPPort int `json:"udp_port,omitempty"`
}

type RegisterResponse struct {
	Username string `json:"username"`
}

// ----- Call control -----

type CallRequest struct {
	Target string `json:"target"`
}

// CallResponse acknowledges a call command. State is "ringing" when the
// target was available, "queued" when the caller was placed in the target's
// wait queue (Position is the 1-based queue position).
type CallResponse struct {
	State    string `json:"state"`
	Position int    `json:"position,omitempty"`
}

type AcceptRequest struct{}

type AcceptResponse struct{}

type RejectRequest struct{}

type RejectResponse struct{}

type HangupRequest struct{}

type HangupResponse struct{}

// ----- Directory -----

type WhoRequest struct{}

type UserStatus struct {
	Username string `json:"username"`
	Status   string `json:"status"`
	Peer     string `json:"peer,omitempty"` // set when the user is busy
}

type WhoResponse struct {
	Users []UserStatus `json:"users"`
}

// ----- Events -----

type IncomingCallEvent struct {
	Caller string `json:"caller"`
}

type QueuedEvent struct {
	Target   string `json:"target"`
	Position int    `json:"position"`
}

// AvailableEvent tells a queued caller their target freed up and the call is
// now ringing on the target's side.
type AvailableEvent struct {
	Target string `json:"target"`
}

type CallResolvedEvent struct {
	Outcome string `json:"outcome"`
	Peer    string `json:"peer"`
}

// ----- Handoff -----

// HandoffRequest asks a shim for its reachable audio endpoint.
type HandoffRequest struct {
	Peer string `json:"peer"`
}

// EndpointOffer is the shim's answer to a HandoffRequest. An empty or
// unspecified address means "use the address you see this connection from".
type EndpointOffer struct {
	Address string `json:"address,omitempty"`
	Port    int    `json:"port"`
}

// EndpointEvent carries the peer's reachable endpoint; after both sides
// receive it the server is out of the audio path.
type EndpointEvent struct {
	Peer    string `json:"peer"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// ----- Generic -----

type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}
