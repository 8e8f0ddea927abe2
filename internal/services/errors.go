package services

import "fmt"

// SignatureComputationError reports a cipher or encoding failure while
// deriving a key or computing a digest. It is fatal: a request or
// verification never proceeds past one.
type SignatureComputationError struct {
	Op  string
	Err error
}

func (e *SignatureComputationError) Error() string {
	return fmt.Sprintf("signature computation failed during %s: %v", e.Op, e.Err)
}

func (e *SignatureComputationError) Unwrap() error { return e.Err }

// GatewayTransportError reports a network or TLS failure talking to the
// gateway. The order is left untouched so the same attempt can be
// retried with the same gateway reference.
type GatewayTransportError struct {
	Err error
}

func (e *GatewayTransportError) Error() string {
	return fmt.Sprintf("gateway transport failure: %v", e.Err)
}

func (e *GatewayTransportError) Unwrap() error { return e.Err }

// GatewayProtocolError reports a response body the client could not
// parse. The raw body is kept for forensics.
type GatewayProtocolError struct {
	Body string
	Err  error
}

func (e *GatewayProtocolError) Error() string {
	return fmt.Sprintf("unparseable gateway response: %v", e.Err)
}

func (e *GatewayProtocolError) Unwrap() error { return e.Err }
