package mppscmt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/dicomkit/mppscmt/dimse"
	"github.com/dicomkit/mppscmt/pdu"
)

// Handlers is the set of typed callbacks an Association's dispatch loop
// routes commands to (spec.md §4.3-4.5, C5). A nil field means "this
// provider doesn't implement that service"; for CEcho, NCreate, NSet and
// NAction the dispatcher answers with the appropriate DIMSE status rather
// than failing the association. A nil NEventReport is the exception: an
// incoming N-EVENT-REPORT-RQ then ends the association with a protocol error.
//
// Grounded on the teacher's ServiceProviderParams (serviceprovider.go),
// where each DIMSE verb is a caller-supplied callback field rather than a
// subclass method -- the same "capability, not inheritance" collapse
// spec.md §9 calls for.
type Handlers struct {
	CEcho   func(msg *dimse.C_ECHO_RQ) dimse.Status
	NCreate func(msg *dimse.N_CREATE_RQ, data []byte) *dimse.N_CREATE_RSP
	NSet    func(msg *dimse.N_SET_RQ, data []byte) *dimse.N_SET_RSP
	// NAction receives the owning Association so it can capture the peer
	// identity (local/calling AE, peer IP) the pending commitment needs
	// (spec.md §4.5 step 3); the other handlers have no such need.
	NAction      func(a *Association, msg *dimse.N_ACTION_RQ, data []byte) *dimse.N_ACTION_RSP
	NEventReport func(msg *dimse.N_EVENT_REPORT_RQ, data []byte) *dimse.N_EVENT_REPORT_RSP
}

// DIMSETimeout bounds a.readMessage; zero means block indefinitely (§6:
// "--dimse-timeout <sec> (default unlimited / blocking)").
type DispatchConfig struct {
	DIMSETimeout time.Duration
}

// Serve runs the sequential DIMSE dispatch loop of spec.md §4.2 until the
// association terminates. It never spawns a goroutine per command --
// unlike the teacher's servicedispatcher.go/providerCommandDispatcher,
// which tracks an `activeCommands map[uint16]*providerCommandState` and
// runs each command's callback in its own `go func(){ ... }()`, spec.md §5
// dispatches exactly one command at a time per association.
//
// driver may be nil (no Storage Commitment capability configured). When
// non-nil and in ModeA, Serve is also what honors commit_wait_timeout:
// spec.md §4.6 says a pending commitment's event report goes out "after
// commit_wait_timeout or the next DIMSE command, whichever comes first",
// and since this association's connection is never touched by more than
// one goroutine at a time (spec.md §5), Serve itself -- not a background
// timer -- is what waits out that window between commands.
func Serve(a *Association, h *Handlers, cfg *DispatchConfig, driver *CommitmentDriver, metrics *Metrics) error {
	if a.state != StateEstablished {
		return fmt.Errorf("%w: Serve called on association in state %v", ErrProtocol, a.state)
	}
	for {
		readTimeout := cfg.DIMSETimeout
		if driver != nil && driver.Mode == ModeA && driver.HasPending() {
			readTimeout = driver.CommitWaitTimeout
		}
		contextID, msg, data, err := a.readMessage(readTimeout)
		if errors.Is(err, ErrDIMSETimeout) && driver != nil && driver.Mode == ModeA && driver.HasPending() {
			deliverModeAWithMetrics(driver, a, metrics)
			continue
		}
		if driver != nil && driver.Mode == ModeA && driver.HasPending() && err == nil {
			deliverModeAWithMetrics(driver, a, metrics)
		}
		if err == dimse.ErrPresentationContextsDiffer {
			if sendErr := a.sendMessage(contextID, invalidPCResponse(msg), nil); sendErr != nil {
				glog.Warningf("dispatcher: %v", sendErr)
				a.Abort(pdu.SourceULServiceProviderACSE, 0)
				return sendErr
			}
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, errPeerRelease):
				return a.handlePeerRelease()
			case errors.Is(err, errPeerAbort):
				a.handlePeerAbort()
				return nil
			default:
				glog.Warningf("dispatcher: %v", err)
				a.Abort(pdu.SourceULServiceProviderACSE, 0)
				return err
			}
		}
		pc, ok := a.contexts.lookupByContextID(contextID)
		if !ok {
			glog.Warningf("dispatcher: command arrived on unknown/unaccepted context %d", contextID)
			a.Abort(pdu.SourceULServiceProviderACSE, 0)
			return fmt.Errorf("%w: invalid presentation context %d", ErrProtocol, contextID)
		}
		if metrics != nil {
			metrics.CommandsDispatched.WithLabelValues(commandName(msg)).Inc()
		}
		if err := a.dispatch(pc, contextID, msg, data, h); err != nil {
			glog.Warningf("dispatcher: %v", err)
			a.Abort(pdu.SourceULServiceProviderACSE, 0)
			return err
		}
	}
}

// deliverModeAWithMetrics wraps CommitmentDriver.DeliverModeA with the
// CommitmentsDelivered counter; metrics may be nil.
func deliverModeAWithMetrics(driver *CommitmentDriver, a *Association, metrics *Metrics) {
	outcome := "ok"
	if err := driver.DeliverModeA(a); err != nil {
		glog.Warningf("dispatcher: delivering mode-A event report: %v", err)
		outcome = "failed"
	}
	if metrics != nil {
		metrics.CommitmentsDelivered.WithLabelValues("a", outcome).Inc()
	}
}

// commandName labels a DIMSE message for the CommandsDispatched metric.
func commandName(msg dimse.Message) string {
	switch msg.(type) {
	case *dimse.C_ECHO_RQ:
		return "c_echo"
	case *dimse.N_CREATE_RQ:
		return "n_create"
	case *dimse.N_SET_RQ:
		return "n_set"
	case *dimse.N_ACTION_RQ:
		return "n_action"
	case *dimse.N_EVENT_REPORT_RQ:
		return "n_event_report_rq"
	case *dimse.N_EVENT_REPORT_RSP:
		return "n_event_report_rsp"
	default:
		return "unknown"
	}
}

// dispatch routes one fully-reassembled command to its handler and writes
// the response. pc is the presentation context the command arrived on;
// responses are always written on the same context id.
func (a *Association) dispatch(pc *presentationContext, contextID byte, msg dimse.Message, data []byte, h *Handlers) error {
	switch rq := msg.(type) {
	case *dimse.C_ECHO_RQ:
		status := dimse.Success
		if h.CEcho != nil {
			status = h.CEcho(rq)
		}
		return a.sendMessage(contextID, &dimse.C_ECHO_RSP{
			MessageIDBeingRespondedTo: rq.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			Status:                    status,
		}, nil)

	case *dimse.N_CREATE_RQ:
		if h.NCreate == nil {
			return a.sendMessage(contextID, mistypedNCreateResponse(rq), nil)
		}
		rsp := h.NCreate(rq, data)
		return a.sendMessage(contextID, rsp, nil)

	case *dimse.N_SET_RQ:
		if h.NSet == nil {
			return a.sendMessage(contextID, mistypedNSetResponse(rq), nil)
		}
		rsp := h.NSet(rq, data)
		return a.sendMessage(contextID, rsp, nil)

	case *dimse.N_ACTION_RQ:
		if h.NAction == nil {
			return a.sendMessage(contextID, noSuchSOPClassResponse(rq), nil)
		}
		rsp := h.NAction(a, rq, data)
		return a.sendMessage(contextID, rsp, nil)

	case *dimse.N_EVENT_REPORT_RQ:
		if h.NEventReport == nil {
			return fmt.Errorf("%w: N-EVENT-REPORT-RQ received but no handler configured", ErrProtocol)
		}
		rsp := h.NEventReport(rq, data)
		return a.sendMessage(contextID, rsp, nil)

	case *dimse.N_EVENT_REPORT_RSP:
		// The peer acknowledging a mode-A event report this association
		// itself sent (DeliverModeA); it answers us, we don't answer it.
		glog.V(1).Infof("dispatcher: received %v", rq)
		return nil

	default:
		return fmt.Errorf("%w: unexpected command %v on an SCP association", ErrProtocol, msg)
	}
}
