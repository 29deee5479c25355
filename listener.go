package mppscmt

import (
	"errors"
	"net"

	"github.com/golang/glog"
)

// Listener binds one TCP port and serves one association at a time, per
// spec.md §5 ("the TCP socket and wire codec are exclusively owned by the
// association" -- extended here to the whole process: no association
// begins negotiating until the previous one has fully closed). Grounded on
// the teacher's ServiceProvider.Run/RunProviderForConn, collapsed from
// "accept, then go func() { RunProviderForConn(...) }()" per connection
// into a plain accept-serve-repeat loop.
type Listener struct {
	ServerConfig     ServerConfig
	DispatchConfig   DispatchConfig
	Handlers         *Handlers
	CommitmentDriver *CommitmentDriver
	Metrics          *Metrics // optional; nil disables counters

	// Stop, if non-nil, is polled once per accept to let callers shut the
	// listener down between associations; it is never checked mid-association.
	Stop func() bool
}

// Serve binds addr and runs the accept loop until Stop reports true (or
// forever, if Stop is nil) or a fatal listen error occurs.
func (l *Listener) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	glog.Infof("listener: accepting associations on %s", addr)
	for {
		if l.Stop != nil && l.Stop() {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			glog.Warningf("listener: accept error: %v", err)
			continue
		}
		l.serveOne(conn)
	}
}

// serveOne drives exactly one association end to end: negotiate, dispatch
// DIMSE commands until termination, then -- if Storage Commitment is
// configured -- deliver over a new association any commitment still
// pending once the triggering association has fully closed (a mode-B one,
// or a mode-A one whose peer released before the event report went out). This ordering is the one
// invariant spec.md §8 insists on: "no bytes of N-EVENT-REPORT-RQ are
// written until the triggering association has moved to {closed, aborted}".
func (l *Listener) serveOne(conn net.Conn) {
	a, err := Accept(conn, &l.ServerConfig)
	if err != nil {
		glog.Infof("listener: association rejected: %v", err)
		if l.Metrics != nil {
			cause := "unknown"
			var re *rejectErr
			if errors.As(err, &re) {
				cause = rejectCauseLabel(re.cause)
			}
			l.Metrics.AssociationsRejected.WithLabelValues(cause).Inc()
		}
		return
	}
	if l.Metrics != nil {
		l.Metrics.AssociationsAccepted.Inc()
	}
	if err := Serve(a, l.Handlers, &l.DispatchConfig, l.CommitmentDriver, l.Metrics); err != nil {
		glog.Infof("listener: association ended: %v", err)
	}
	// By the time Serve has returned, the triggering association is closed
	// or aborted regardless of which mode is configured -- a commitment
	// can still be pending here in mode A if the peer released before
	// commit_wait_timeout elapsed (spec.md: "If the peer releases within
	// the window, no callback is sent on this association; the pending
	// commitment is transferred to mode B"). DeliverModeB's own state
	// check (commitment.go) already refuses to run on a live association,
	// so gating on Mode==ModeB here only served to drop that transfer.
	if l.CommitmentDriver != nil && l.CommitmentDriver.HasPending() {
		if l.CommitmentDriver.Mode == ModeA {
			glog.Infof("listener: mode-A commitment still pending after association close, delivering via mode B")
		}
		outcome := "ok"
		if err := l.CommitmentDriver.DeliverModeB(a); err != nil {
			glog.Warningf("listener: mode-B event-report delivery failed: %v", err)
			outcome = "failed"
		}
		if l.Metrics != nil {
			l.Metrics.CommitmentsDelivered.WithLabelValues("b", outcome).Inc()
		}
	}
}
