package mppscmt

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/dicomkit/mppscmt/dimse"
	"github.com/dicomkit/mppscmt/sopclass"
)

// EventReportMode selects how a pending commitment's N-EVENT-REPORT-RQ is
// delivered back to the requester (spec.md §4.6, §9 Open Question: "the
// source's single codebase only ever implements mode B; this repository
// exposes both modes behind an explicit config knob instead of guessing
// from context").
type EventReportMode int

const (
	// ModeA delivers the event report on the same association the
	// N-ACTION-RQ arrived on, after commitWaitTimeout or the next DIMSE
	// command, whichever comes first.
	ModeA EventReportMode = iota
	// ModeB opens a fresh outbound association to the requester's known
	// callback endpoint after the triggering association has fully torn
	// down. Grounded on dstorcmtscp.cc's deferred sendEVENTREPORTRequest
	// path, the only mode the original tool implements.
	ModeB
)

func (m EventReportMode) String() string {
	if m == ModeA {
		return "a"
	}
	return "b"
}

// PendingCommitment is the record spec.md §3 calls "Pending Commitment":
// everything a deferred N-EVENT-REPORT-RQ needs once the N-ACTION-RQ that
// requested it has already been answered and its association may be long
// gone. At most one exists per Association at a time; a second N-ACTION
// before the first is delivered overwrites it (§9 Open Question decision:
// overwrite, not queue -- this SCP never promised ordered delivery of
// multiple pending commitments on one association).
type PendingCommitment struct {
	LocalAE                 string
	RemoteAE                string
	PeerHost                string
	PeerPort                int
	RequestedSOPInstanceUID string
	AbstractSyntaxUID       string
	Dataset                 []byte
}

// CommitmentDriver drives the deferred N-EVENT-REPORT callback of spec.md
// §4.6. It has no analog in the teacher, which never implements N-ACTION;
// its shape (plain struct + methods, glog logging, one outstanding item at
// a time) follows the teacher's idiom rather than any one teacher file.
type CommitmentDriver struct {
	mu      sync.Mutex
	pending *PendingCommitment

	Mode              EventReportMode
	CommitWaitTimeout time.Duration // Mode A
	CallbackPort      int           // Mode B, default 115 per §9 Open Question
	TransferSyntaxes  []string      // Mode B: proposal order for the callback association's PC
	ClientConfigBase  ClientConfig  // LocalAETitle/ACSETimeout/MaxPDUSize template for Mode B Dial
}

// NewCommitmentDriver builds a driver ready to Record pending commitments
// and deliver them per mode. commitWaitTimeout and callbackPort are used
// only by the mode they apply to, but are always accepted so a config
// reload can flip Mode without rebuilding the driver.
func NewCommitmentDriver(mode EventReportMode, commitWaitTimeout time.Duration, callbackPort int, transferSyntaxes []string) *CommitmentDriver {
	return &CommitmentDriver{
		Mode:              mode,
		CommitWaitTimeout: commitWaitTimeout,
		CallbackPort:      callbackPort,
		TransferSyntaxes:  transferSyntaxes,
	}
}

// Record captures a freshly-approved N-ACTION-RQ as the association's
// pending commitment, overwriting whatever was there before (spec.md §9
// Open Question: overwrite, not queue -- this SCP never promised ordered
// delivery of more than one pending commitment per association). In mode
// A, Serve (dispatcher.go) is what actually waits out CommitWaitTimeout
// and calls DeliverModeA; Record only ever stores the value.
func (d *CommitmentDriver) Record(pc PendingCommitment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := pc
	d.pending = &cp
}

// HasPending reports whether a commitment is waiting for delivery.
func (d *CommitmentDriver) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// take removes and returns the pending commitment, or nil if none.
func (d *CommitmentDriver) take() *PendingCommitment {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc := d.pending
	d.pending = nil
	return pc
}

// DeliverModeA sends the pending commitment's N-EVENT-REPORT-RQ on the
// same association the N-ACTION-RQ arrived on, per spec.md §4.6 Mode A.
// It is a no-op (returning nil) if nothing is pending. Serve (dispatcher.go)
// calls this either when a read for the next command times out after
// CommitWaitTimeout, or right before dispatching a command that arrived
// first -- matching "after commit_wait_timeout or the next DIMSE command,
// whichever comes first". The peer's N-EVENT-REPORT-RSP arrives as an
// ordinary message on Serve's next read; dispatch logs and discards it
// rather than answering (it is itself an answer).
func (d *CommitmentDriver) DeliverModeA(a *Association) error {
	pc := d.take()
	if pc == nil {
		return nil
	}
	pcEntry, ok := a.contexts.lookupByAbstractSyntaxUID(pc.AbstractSyntaxUID)
	if !ok {
		return fmt.Errorf("%w: no accepted presentation context for %s to deliver event report", ErrProtocol, pc.AbstractSyntaxUID)
	}
	msg := &dimse.N_EVENT_REPORT_RQ{
		AffectedSOPClassUID:    pc.AbstractSyntaxUID,
		MessageID:              a.NextMessageID(),
		AffectedSOPInstanceUID: pc.RequestedSOPInstanceUID,
		EventTypeID:            1, // "Storage Commitment Request Successful", P3.4 Annex J.3
		CommandDataSetType:     dimse.CommandDataSetTypeNull,
	}
	return a.sendMessage(pcEntry.ID, msg, nil)
}

// DeliverModeB opens a new outbound association to the requester's
// callback endpoint and delivers the pending commitment there, per
// spec.md §4.6 Mode B and §8's invariant: "no bytes of N-EVENT-REPORT-RQ
// are written until the triggering association has moved to {closed,
// aborted}". Callers (listener.go) must only invoke this after the
// inbound association's Serve has returned. triggering must already be
// in StateClosed or StateAborted; DeliverModeB refuses otherwise rather
// than risk writing on a live connection's peer mid-exchange.
func (d *CommitmentDriver) DeliverModeB(triggering *Association) error {
	pc := d.take()
	if pc == nil {
		return nil
	}
	if s := triggering.State(); s != StateClosed && s != StateAborted {
		// Put it back; the caller called us too early.
		d.mu.Lock()
		d.pending = pc
		d.mu.Unlock()
		return fmt.Errorf("%w: DeliverModeB called while triggering association still %v", ErrProtocol, s)
	}

	port := pc.PeerPort
	if port == 0 {
		port = d.CallbackPort
	}
	cfg := d.ClientConfigBase
	cfg.RemoteAETitle = pc.RemoteAE
	cfg.AbstractSyntax = sopclass.StorageCommitmentPushModelClasses[0]
	cfg.TransferSyntaxes = d.TransferSyntaxes

	addr := net.JoinHostPort(pc.PeerHost, fmt.Sprintf("%d", port))
	a, err := Dial(addr, &cfg)
	if err != nil {
		glog.Warningf("commitment: dialing %s for event report: %v", addr, err)
		return fmt.Errorf("%w: dialing callback %s: %v", ErrTransport, addr, err)
	}
	defer a.Close()

	pcEntry, ok := a.contexts.lookupByAbstractSyntaxUID(pc.AbstractSyntaxUID)
	if !ok {
		return fmt.Errorf("%w: callback peer did not accept Storage Commitment Push Model", ErrPolicy)
	}
	msg := &dimse.N_EVENT_REPORT_RQ{
		AffectedSOPClassUID:    pc.AbstractSyntaxUID,
		MessageID:              a.NextMessageID(),
		AffectedSOPInstanceUID: pc.RequestedSOPInstanceUID,
		EventTypeID:            1,
		CommandDataSetType:     dimse.CommandDataSetTypeNull,
	}
	if err := a.sendMessage(pcEntry.ID, msg, nil); err != nil {
		return err
	}
	// Wait for N-EVENT-REPORT-RSP before releasing, so the SCU's ack is
	// observed rather than assumed.
	if _, rsp, _, err := a.readMessage(d.effectiveACSETimeout()); err != nil {
		glog.Warningf("commitment: reading event-report response: %v", err)
	} else if _, ok := rsp.(*dimse.N_EVENT_REPORT_RSP); !ok {
		glog.Warningf("commitment: unexpected response to N-EVENT-REPORT-RQ: %v", rsp)
	}
	return a.Release()
}

func (d *CommitmentDriver) effectiveACSETimeout() time.Duration {
	if d.ClientConfigBase.ACSETimeout > 0 {
		return d.ClientConfigBase.ACSETimeout
	}
	return 30 * time.Second
}
