package mppscmt

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/golang/glog"
	dicom "github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"

	"github.com/dicomkit/mppscmt/dimse"
	"github.com/dicomkit/mppscmt/pdu"
	"github.com/dicomkit/mppscmt/sopclass"
)

// State is the lifecycle state of an Association, collapsed from the
// teacher's 13-state ACSE automaton (statemachine.go's sta01-sta13) into a
// straight-line sequence: this repository handles exactly one association
// at a time and never overlaps ACSE negotiation with a second peer, so the
// channel/goroutine/event-queue machinery the teacher needs to multiplex
// several simultaneous associations has no job here.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateEstablished
	StateReleasing
	StateAborted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	case StateReleasing:
		return "releasing"
	case StateAborted:
		return "aborted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ServerConfig is the negotiation policy Association.Accept enforces
// (spec.md §4.1). It plays the role the teacher splits across
// ServiceProviderParams and contextManager.
type ServerConfig struct {
	LocalAETitle     string
	UseCalledAETitle bool // respond under the AE title the SCU addressed us as
	AcceptCalledAE   func(ae string) bool
	AcceptCallingAE  func(ae string) bool
	Profile          []sopclass.SOPUID // abstract syntaxes this SCP accepts
	TransferSyntaxes []string          // accepted set; the peer's proposal order picks among them
	ACSETimeout      time.Duration
	MaxPDUSize       uint32
}

// ClientConfig is used by Dial, the outbound half of an association:
// today only the mode-B commitment callback driver plays this role
// (commitment.go), but it is also the shape a future test SCU would use.
type ClientConfig struct {
	LocalAETitle     string
	RemoteAETitle    string
	AbstractSyntax   sopclass.SOPUID
	TransferSyntaxes []string
	ACSETimeout      time.Duration
	MaxPDUSize       uint32
}

// Association is a single DICOM Upper Layer association, server- or
// client-initiated. It owns the TCP connection exclusively (spec.md §5:
// "the TCP socket and wire codec are exclusively owned by the
// association").
type Association struct {
	conn  net.Conn
	state State

	LocalAE    string
	RemoteAE   string
	RemoteHost string
	RemotePort int

	maxPDUSend uint32
	maxPDURecv uint32

	contexts *contextTable

	nextMessageID uint16

	acseTimeout time.Duration
	assembler   dimse.CommandAssembler
}

func (a *Association) State() State { return a.state }

// NextMessageID returns the next value of the per-association message-id
// counter (spec.md §4.7), wrapping modulo 65536; 0 is skipped since message
// ids are conventionally 1-based.
func (a *Association) NextMessageID() uint16 {
	id := a.nextMessageID
	a.nextMessageID++
	if a.nextMessageID == 0 {
		a.nextMessageID = 1
	}
	return id
}

func (a *Association) setDeadline(d time.Duration) {
	if d <= 0 {
		a.conn.SetDeadline(time.Time{})
		return
	}
	a.conn.SetDeadline(time.Now().Add(d))
}

func (a *Association) readPDU() (pdu.PDU, error) {
	a.setDeadline(a.acseTimeout)
	p, err := pdu.ReadPDU(a.conn, int(a.maxPDURecv))
	if err != nil {
		return nil, fmt.Errorf("%w: reading PDU: %v", ErrTransport, err)
	}
	return p, nil
}

func (a *Association) writePDU(p pdu.PDU) error {
	a.setDeadline(a.acseTimeout)
	bytes, err := pdu.EncodePDU(p)
	if err != nil {
		return fmt.Errorf("%w: encoding PDU: %v", ErrProtocol, err)
	}
	if _, err := a.conn.Write(bytes); err != nil {
		return fmt.Errorf("%w: writing PDU: %v", ErrTransport, err)
	}
	return nil
}

// readMessage reads P_DATA_TF PDUs off the wire and feeds them through the
// association's CommandAssembler until a full DIMSE command (and its
// dataset, if any) has been reassembled. Grounded on the teacher's
// addPDataTF/actionDt2 pair (statemachine.go), collapsed into a single
// sequential call instead of a channel-driven upcall since this repository
// dispatches one command at a time (spec.md §4.2).
func (a *Association) readMessage(dimseTimeout time.Duration) (byte, dimse.Message, []byte, error) {
	for {
		a.setDeadline(dimseTimeout)
		p, err := pdu.ReadPDU(a.conn, int(a.maxPDURecv))
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, nil, nil, fmt.Errorf("%w", ErrDIMSETimeout)
			}
			return 0, nil, nil, fmt.Errorf("%w: reading P-DATA-TF: %v", ErrTransport, err)
		}
		switch v := p.(type) {
		case *pdu.P_DATA_TF:
			contextID, msg, data, err := a.assembler.AddDataPDU(v)
			if err == dimse.ErrPresentationContextsDiffer {
				// The command decoded fine; only its dataset arrived on
				// the wrong context. Surface both so the dispatcher can
				// answer with a DIMSE status instead of aborting
				// (spec.md §4.2, §8 scenario 6).
				return contextID, msg, nil, dimse.ErrPresentationContextsDiffer
			}
			if err != nil {
				return 0, nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			if msg != nil {
				return contextID, msg, data, nil
			}
			// Not all fragments received yet; read the next PDU.
		case *pdu.A_RELEASE_RQ:
			return 0, nil, nil, errPeerRelease
		case *pdu.A_ABORT:
			return 0, nil, nil, errPeerAbort
		default:
			return 0, nil, nil, fmt.Errorf("%w: unexpected PDU %v while reading DIMSE command", ErrProtocol, p)
		}
	}
}

// maxPDVChunk is the largest payload one PresentationDataValueItem may
// carry before the fixed 6-byte PDV header (length + context id + flags)
// would overflow the negotiated maximum PDU size.
func (a *Association) maxPDVChunk() int {
	if a.maxPDUSend == 0 {
		return 16384 - 6
	}
	n := int(a.maxPDUSend) - 6
	if n < 1 {
		n = 1
	}
	return n
}

// splitIntoPDVs slices data into PresentationDataValueItems no larger than
// maxChunk bytes apiece, marking the last one. Grounded on the teacher's
// splitDataIntoPDUs (statemachine.go), fixing its chunk-size bug (the
// teacher assigns the oversized chunk a length of the *unclamped* max PDU
// size instead of maxChunkSize, which would overflow the PDU on the wire).
func splitIntoPDVs(contextID byte, command bool, data []byte, maxChunk int) []pdu.PresentationDataValueItem {
	if len(data) == 0 {
		return []pdu.PresentationDataValueItem{{ContextID: contextID, Command: command, Last: true}}
	}
	var items []pdu.PresentationDataValueItem
	for len(data) > 0 {
		chunkSize := len(data)
		if chunkSize > maxChunk {
			chunkSize = maxChunk
		}
		items = append(items, pdu.PresentationDataValueItem{
			ContextID: contextID,
			Command:   command,
			Value:     data[:chunkSize],
		})
		data = data[chunkSize:]
	}
	items[len(items)-1].Last = true
	return items
}

// sendMessage encodes and writes a DIMSE command (and optional dataset) on
// the given presentation context, splitting into as many P-DATA-TF PDUs as
// the negotiated max PDU size requires.
func (a *Association) sendMessage(contextID byte, msg dimse.Message, data []byte) error {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dimse.EncodeMessage(e, msg)
	if err := e.Error(); err != nil {
		return fmt.Errorf("%w: encoding DIMSE command: %v", ErrProtocol, err)
	}
	commandBytes := e.Bytes()
	maxChunk := a.maxPDVChunk()
	for _, pdv := range splitIntoPDVs(contextID, true, commandBytes, maxChunk) {
		if err := a.writePDU(&pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{pdv}}); err != nil {
			return err
		}
	}
	if msg.HasData() {
		for _, pdv := range splitIntoPDVs(contextID, false, data, maxChunk) {
			if err := a.writePDU(&pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{pdv}}); err != nil {
				return err
			}
		}
	}
	return nil
}

func peerHostPort(conn net.Conn) (string, int) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return conn.RemoteAddr().String(), 0
	}
	return addr.IP.String(), addr.Port
}

func maxPDUFromUserInfo(items []pdu.SubItem) uint32 {
	for _, item := range items {
		ui, ok := item.(*pdu.UserInformationItem)
		if !ok {
			continue
		}
		for _, sub := range ui.Items {
			if ml, ok := sub.(*pdu.UserInformationMaximumLengthItem); ok {
				return ml.MaximumLengthReceived
			}
		}
	}
	return 16384 // default used by Osirix & pynetdicom, per the teacher's contextManager.
}

// rejectCause names the circumstances of §4.1's rejection-reason table.
// The table itself, rejectionReasons below, is the single source of truth
// the teacher's source lacked (§9 design note: "duplicated rejection-reason
// switch statements ... collapse into a single table").
type rejectCause int

const (
	causeAppContextNotSupported rejectCause = iota
	causeCalledAENotRecognized
	causeCallingAENotRecognized
	causeNoAcceptablePCs
	causeLocalLimitExceeded
	causeTemporaryCongestion
	causeProtocolVersionNotSupported
)

type rejection struct {
	Result byte
	Source byte
	Reason byte
}

var rejectionReasons = map[rejectCause]rejection{
	causeLocalLimitExceeded: {
		Result: pdu.ResultRejectedTransient,
		Source: pdu.SourceULServiceProviderPresentation,
		Reason: pdu.ReasonLocalLimitExceeded,
	},
	causeTemporaryCongestion: {
		Result: pdu.ResultRejectedPermanent,
		Source: pdu.SourceULServiceProviderPresentation,
		Reason: pdu.ReasonTemporaryCongestion,
	},
	causeAppContextNotSupported: {
		Result: pdu.ResultRejectedTransient,
		Source: pdu.SourceULServiceUser,
		Reason: pdu.ReasonApplicationContextNameNotSupported,
	},
	causeCalledAENotRecognized: {
		Result: pdu.ResultRejectedPermanent,
		Source: pdu.SourceULServiceUser,
		Reason: pdu.ReasonCalledAETitleNotRecognized,
	},
	causeCallingAENotRecognized: {
		Result: pdu.ResultRejectedPermanent,
		Source: pdu.SourceULServiceUser,
		Reason: pdu.ReasonCallingAETitleNotRecognized,
	},
	causeNoAcceptablePCs: {
		Result: pdu.ResultRejectedPermanent,
		Source: pdu.SourceULServiceUser,
		Reason: pdu.ReasonNone,
	},
	causeProtocolVersionNotSupported: {
		Result: pdu.ResultRejectedPermanent,
		Source: pdu.SourceULServiceProviderACSE,
		Reason: pdu.ReasonProtocolVersionNotSupported,
	},
}

// rejectErr records why Accept rejected an association, so callers (the
// listener) can log the cause without re-deriving it from the wire bytes.
type rejectErr struct {
	cause rejectCause
}

func (e *rejectErr) Error() string {
	return fmt.Sprintf("mppscmt: association rejected: %v", e.cause)
}

func (e *rejectErr) Unwrap() error { return ErrPolicy }

func (a *Association) reject(cause rejectCause) error {
	r := rejectionReasons[cause]
	rj := &pdu.A_ASSOCIATE_RJ{Result: r.Result, Source: r.Source, Reason: r.Reason}
	if err := a.writePDU(rj); err != nil {
		glog.Warningf("association: failed writing A_ASSOCIATE_RJ: %v", err)
	}
	a.conn.Close()
	a.state = StateClosed
	return &rejectErr{cause: cause}
}

// Accept drives the server side of ACSE negotiation (spec.md §4.1) over an
// already-accepted TCP connection. On success the returned Association is
// StateEstablished and ready for DIMSE dispatch; on failure the connection
// has already been closed (after writing A-ASSOCIATE-RJ where applicable).
func Accept(conn net.Conn, cfg *ServerConfig) (*Association, error) {
	host, port := peerHostPort(conn)
	a := &Association{
		conn:          conn,
		state:         StateNegotiating,
		LocalAE:       cfg.LocalAETitle,
		RemoteHost:    host,
		RemotePort:    port,
		maxPDURecv:    cfg.MaxPDUSize,
		contexts:      newContextTable(),
		nextMessageID: 1,
		acseTimeout:   cfg.ACSETimeout,
	}

	p, err := a.readPDU()
	if err != nil {
		conn.Close()
		return nil, err
	}
	rq, ok := p.(*pdu.A_ASSOCIATE)
	if !ok || rq.Type != pdu.PDUTypeA_ASSOCIATE_RQ {
		conn.Close()
		return nil, fmt.Errorf("%w: expected A-ASSOCIATE-RQ, got %v", ErrProtocol, p)
	}
	if rq.ProtocolVersion != pdu.CurrentProtocolVersion {
		return a, a.reject(causeProtocolVersionNotSupported)
	}

	var appContextOK bool
	for _, item := range rq.Items {
		if ac, ok := item.(*pdu.ApplicationContextItem); ok {
			appContextOK = ac.Name == pdu.DICOMApplicationContextItemName
		}
	}
	if !appContextOK {
		return a, a.reject(causeAppContextNotSupported)
	}

	a.RemoteAE = rq.CallingAETitle
	if cfg.AcceptCalledAE != nil && !cfg.AcceptCalledAE(rq.CalledAETitle) {
		return a, a.reject(causeCalledAENotRecognized)
	}
	if cfg.AcceptCallingAE != nil && !cfg.AcceptCallingAE(rq.CallingAETitle) {
		return a, a.reject(causeCallingAENotRecognized)
	}
	a.maxPDUSend = maxPDUFromUserInfo(rq.Items)

	acItems := a.contexts.negotiateAll(rq.Items, cfg.Profile, cfg.TransferSyntaxes)
	if a.contexts.acceptedCount() == 0 {
		return a, a.reject(causeNoAcceptablePCs)
	}

	calledAE := cfg.LocalAETitle
	if cfg.UseCalledAETitle {
		calledAE = rq.CalledAETitle
	}
	items := []pdu.SubItem{&pdu.ApplicationContextItem{Name: pdu.DICOMApplicationContextItemName}}
	for _, item := range acItems {
		items = append(items, item)
	}
	items = append(items, &pdu.UserInformationItem{
		Items: []pdu.SubItem{
			&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: cfg.MaxPDUSize},
			&pdu.ImplementationClassUIDSubItem{Name: dicom.DefaultImplementationClassUID},
			&pdu.ImplementationVersionNameSubItem{Name: dicom.DefaultImplementationVersionName},
		},
	})
	ac := &pdu.A_ASSOCIATE{
		Type:            pdu.PDUTypeA_ASSOCIATE_AC,
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   calledAE,
		CallingAETitle:  rq.CallingAETitle,
		Items:           items,
	}
	if err := a.writePDU(ac); err != nil {
		conn.Close()
		a.state = StateAborted
		return nil, err
	}
	a.LocalAE = calledAE
	a.state = StateEstablished
	return a, nil
}

// Dial drives the client side of ACSE negotiation: open a TCP connection
// to addr and propose a single presentation context for cfg.AbstractSyntax.
// Used by the mode-B commitment callback driver (commitment.go) to open
// the outbound association that carries N-EVENT-REPORT-RQ back to the
// original requester.
func Dial(addr string, cfg *ClientConfig) (*Association, error) {
	dialTimeout := cfg.ACSETimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrTransport, addr, err)
	}

	a := &Association{
		conn:          conn,
		state:         StateNegotiating,
		LocalAE:       cfg.LocalAETitle,
		RemoteAE:      cfg.RemoteAETitle,
		maxPDURecv:    cfg.MaxPDUSize,
		contexts:      newContextTable(),
		nextMessageID: 1,
		acseTimeout:   cfg.ACSETimeout,
	}
	a.RemoteHost, a.RemotePort = peerHostPort(conn)

	pcItem := a.contexts.propose(1, cfg.AbstractSyntax.UID, cfg.TransferSyntaxes)
	items := []pdu.SubItem{
		&pdu.ApplicationContextItem{Name: pdu.DICOMApplicationContextItemName},
		pcItem,
		&pdu.UserInformationItem{
			Items: []pdu.SubItem{
				&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: cfg.MaxPDUSize},
				&pdu.ImplementationClassUIDSubItem{Name: dicom.DefaultImplementationClassUID},
				&pdu.ImplementationVersionNameSubItem{Name: dicom.DefaultImplementationVersionName},
			},
		},
	}
	rq := &pdu.A_ASSOCIATE{
		Type:            pdu.PDUTypeA_ASSOCIATE_RQ,
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   cfg.RemoteAETitle,
		CallingAETitle:  cfg.LocalAETitle,
		Items:           items,
	}
	if err := a.writePDU(rq); err != nil {
		conn.Close()
		return nil, err
	}

	p, err := a.readPDU()
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch resp := p.(type) {
	case *pdu.A_ASSOCIATE_RJ:
		conn.Close()
		a.state = StateClosed
		return nil, fmt.Errorf("%w: peer rejected association: result=%d source=%d reason=%d",
			ErrPolicy, resp.Result, resp.Source, resp.Reason)
	case *pdu.A_ASSOCIATE:
		if resp.Type != pdu.PDUTypeA_ASSOCIATE_AC {
			conn.Close()
			return nil, fmt.Errorf("%w: unexpected A-ASSOCIATE type from peer", ErrProtocol)
		}
		if err := a.contexts.applyAcceptAll(resp.Items); err != nil {
			conn.Close()
			return nil, err
		}
		a.maxPDUSend = maxPDUFromUserInfo(resp.Items)
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected PDU during negotiation: %v", ErrProtocol, p)
	}
	if a.contexts.acceptedCount() == 0 {
		conn.Close()
		a.state = StateClosed
		return nil, fmt.Errorf("%w: peer accepted zero presentation contexts", ErrPolicy)
	}
	a.state = StateEstablished
	return a, nil
}

// Release performs an active A-RELEASE on an established association: send
// A-RELEASE-RQ, wait for A-RELEASE-RP, then close. Used by the mode-B
// commitment driver once it has delivered N-EVENT-REPORT.
func (a *Association) Release() error {
	if a.state != StateEstablished {
		return fmt.Errorf("%w: Release called in state %v", ErrProtocol, a.state)
	}
	a.state = StateReleasing
	if err := a.writePDU(&pdu.A_RELEASE_RQ{}); err != nil {
		a.conn.Close()
		a.state = StateAborted
		return err
	}
	p, err := a.readPDU()
	if err != nil {
		a.conn.Close()
		a.state = StateAborted
		return err
	}
	if _, ok := p.(*pdu.A_RELEASE_RP); !ok {
		a.conn.Close()
		a.state = StateAborted
		return fmt.Errorf("%w: expected A-RELEASE-RP, got %v", ErrProtocol, p)
	}
	a.conn.Close()
	a.state = StateClosed
	return nil
}

// handlePeerRelease answers an A-RELEASE-RQ the dispatcher read from the
// peer with A-RELEASE-RP and closes, per spec.md §4.2's termination
// handling ("Peer release -> emit A-RELEASE-RSP, transition to closed").
func (a *Association) handlePeerRelease() error {
	err := a.writePDU(&pdu.A_RELEASE_RP{})
	a.conn.Close()
	a.state = StateClosed
	return err
}

// Abort actively tears down the association with A-ABORT.
func (a *Association) Abort(source, reason byte) {
	_ = a.writePDU(&pdu.A_ABORT{Source: source, Reason: reason})
	a.conn.Close()
	a.state = StateAborted
}

// handlePeerAbort records that the peer aborted (spec.md §4.2: "Peer abort
// -> transition to aborted"); no PDU is written back.
func (a *Association) handlePeerAbort() {
	a.conn.Close()
	a.state = StateAborted
}

// Close closes the underlying connection without any ACSE exchange (no
// A-ABORT is written) and marks the association aborted unless it was
// already closed. DeliverModeB uses it as deferred cleanup; the dispatcher
// tears down on errors with Abort instead.
func (a *Association) Close() {
	a.conn.Close()
	if a.state != StateClosed {
		a.state = StateAborted
	}
}
