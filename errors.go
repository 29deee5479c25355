package mppscmt

import "errors"

// Error classes a caller can test for with errors.Is, per the error
// taxonomy this repository follows: transport failures (connection reset,
// deadline exceeded), protocol violations (malformed PDU/DIMSE encoding),
// policy rejections (this server's own negotiation/configuration rules),
// and semantic errors (a peer asked for something that parses fine but
// makes no sense, e.g. N-SET against an instance that was never created).
var (
	ErrTransport = errors.New("mppscmt: transport error")
	ErrProtocol  = errors.New("mppscmt: protocol error")
	ErrPolicy    = errors.New("mppscmt: policy rejection")
	ErrSemantic  = errors.New("mppscmt: semantic error")
)

// Sentinel signals the dispatcher loop uses internally to recognize a
// clean peer-initiated release or abort arriving where a DIMSE command was
// expected (Association.readMessage); never returned across a package
// boundary as-is, always translated into the termination handling spec.md
// §4.2 describes.
var (
	errPeerRelease = errors.New("mppscmt: peer released association")
	errPeerAbort   = errors.New("mppscmt: peer aborted association")
)

// ErrDIMSETimeout distinguishes a read deadline expiring with no command
// arriving from every other transport failure, so the mode-A commitment
// driver can tell "nothing arrived within commit_wait_timeout" (deliver
// the pending event report now) apart from "the connection died" (abort).
var ErrDIMSETimeout = errors.New("mppscmt: DIMSE read deadline exceeded")
