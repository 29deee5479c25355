package mppscmt

import (
	"github.com/dicomkit/mppscmt/dimse"
	"github.com/dicomkit/mppscmt/sopclass"
)

// This file builds the DIMSE response structs for the status-code decision
// tree of spec.md §4.3-4.5 (C5). It is grounded on the teacher's
// providerCommandState.handleCStore/handleCEcho (serviceprovider.go) --
// default-status-then-callback-overrides shape -- and cross-checked
// against _examples/original_source/dmppsscp.cc and dstorcmtscp.cc for
// which fields DCMTK's own tools populate on each status branch.

// mistypedNCreateResponse answers an N-CREATE-RQ whose CommandDataSetType
// is null (no dataset announced) with Mistyped Argument, per §4.4: "if
// data_set_type = null respond with status Mistyped Argument and do not
// attempt to read a dataset." It is also the fallback when this provider
// has no MPPS handler configured at all.
func mistypedNCreateResponse(rq *dimse.N_CREATE_RQ) *dimse.N_CREATE_RSP {
	return &dimse.N_CREATE_RSP{
		AffectedSOPClassUID:       rq.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: rq.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    rq.AffectedSOPInstanceUID,
		Status:                    dimse.Status{Status: dimse.StatusMistypedArgument},
	}
}

func mistypedNSetResponse(rq *dimse.N_SET_RQ) *dimse.N_SET_RSP {
	return &dimse.N_SET_RSP{
		AffectedSOPClassUID:       rq.RequestedSOPClassUID,
		MessageIDBeingRespondedTo: rq.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    rq.RequestedSOPInstanceUID,
		Status:                    dimse.Status{Status: dimse.StatusMistypedArgument},
	}
}

// noSuchSOPClassResponse answers an N-ACTION-RQ this provider has no
// handler for at all (no Storage Commitment capability configured). A
// configured handler applying the §4.5 SOP-class check returns the same
// status for a well-formed-but-wrong UID; see NewNActionHandler below.
func noSuchSOPClassResponse(rq *dimse.N_ACTION_RQ) *dimse.N_ACTION_RSP {
	return &dimse.N_ACTION_RSP{
		MessageIDBeingRespondedTo: rq.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    dimse.Status{Status: dimse.StatusNoSuchSOPClass},
	}
}

// invalidPCResponse answers any request whose dataset arrived on a
// presentation context different from the command's (spec.md §4.2,
// §8 scenario 6) with Invalid Attribute Value; the dataset has already
// been discarded by the time this is called (dimse.CommandAssembler
// resets itself on ErrPresentationContextsDiffer).
func invalidPCResponse(msg dimse.Message) dimse.Message {
	switch rq := msg.(type) {
	case *dimse.N_CREATE_RQ:
		return &dimse.N_CREATE_RSP{
			AffectedSOPClassUID:       rq.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: rq.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			AffectedSOPInstanceUID:    rq.AffectedSOPInstanceUID,
			Status:                    dimse.Status{Status: dimse.StatusInvalidAttributeValue},
		}
	case *dimse.N_SET_RQ:
		return &dimse.N_SET_RSP{
			AffectedSOPClassUID:       rq.RequestedSOPClassUID,
			MessageIDBeingRespondedTo: rq.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			AffectedSOPInstanceUID:    rq.RequestedSOPInstanceUID,
			Status:                    dimse.Status{Status: dimse.StatusInvalidAttributeValue},
		}
	case *dimse.N_ACTION_RQ:
		return &dimse.N_ACTION_RSP{
			MessageIDBeingRespondedTo: rq.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			AffectedSOPClassUID:       rq.RequestedSOPClassUID,
			AffectedSOPInstanceUID:    rq.RequestedSOPInstanceUID,
			ActionTypeID:              rq.ActionTypeID,
			Status:                    dimse.Status{Status: dimse.StatusInvalidAttributeValue},
		}
	default:
		return msg
	}
}

// MPPSStore is the persistence/validation seam an MPPS SCP plugs in to
// the N-CREATE/N-SET handlers NewMPPSHandlers builds. The reference implementation neither parses
// nor persists the dataset (spec.md §4.4: "The handler neither parses nor
// persists the dataset"); Store exists so a real deployment can override
// that without touching the dispatch logic.
type MPPSStore interface {
	Create(sopInstanceUID string, dataset []byte) error
	Set(sopInstanceUID string, dataset []byte) error
}

// NewMPPSHandlers builds the N-CREATE/N-SET handler pair for an MPPS SCP
// (spec.md §4.4). store may be nil, in which case the dataset is accepted
// but discarded, matching the reference implementation's behavior exactly.
func NewMPPSHandlers(store MPPSStore) (func(*dimse.N_CREATE_RQ, []byte) *dimse.N_CREATE_RSP, func(*dimse.N_SET_RQ, []byte) *dimse.N_SET_RSP) {
	create := func(rq *dimse.N_CREATE_RQ, data []byte) *dimse.N_CREATE_RSP {
		rsp := &dimse.N_CREATE_RSP{
			AffectedSOPClassUID:       rq.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: rq.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			AffectedSOPInstanceUID:    rq.AffectedSOPInstanceUID,
			Status:                    dimse.Success,
		}
		if rq.CommandDataSetType == dimse.CommandDataSetTypeNull {
			rsp.Status = dimse.Status{Status: dimse.StatusMistypedArgument}
			return rsp
		}
		if store != nil {
			if err := store.Create(rq.AffectedSOPInstanceUID, data); err != nil {
				rsp.Status = dimse.Status{Status: dimse.StatusAttributeListError, ErrorComment: err.Error()}
			}
		}
		return rsp
	}
	set := func(rq *dimse.N_SET_RQ, data []byte) *dimse.N_SET_RSP {
		rsp := &dimse.N_SET_RSP{
			AffectedSOPClassUID:       rq.RequestedSOPClassUID,
			MessageIDBeingRespondedTo: rq.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			AffectedSOPInstanceUID:    rq.RequestedSOPInstanceUID,
			Status:                    dimse.Success,
		}
		if rq.CommandDataSetType == dimse.CommandDataSetTypeNull {
			rsp.Status = dimse.Status{Status: dimse.StatusMistypedArgument}
			return rsp
		}
		if store != nil {
			if err := store.Set(rq.RequestedSOPInstanceUID, data); err != nil {
				rsp.Status = dimse.Status{Status: dimse.StatusAttributeListError, ErrorComment: err.Error()}
			}
		}
		return rsp
	}
	return create, set
}

// NewNActionHandler builds the N-ACTION handler for a Storage Commitment
// SCP (spec.md §4.5). On a well-formed request for the Storage Commitment
// Push Model SOP class it responds Success and calls onCommitted, which
// the caller (cmd/storcmtscp) wires to CommitmentDriver.Record so the
// deferred N-EVENT-REPORT callback (§4.6) can later be driven. The
// dataset is cloned before being handed to onCommitted: §9's design notes
// call out the source's latent double-free on this exact value, so
// ownership here moves by copy, never by the shared read buffer.
func NewNActionHandler(peerPort int, onCommitted func(PendingCommitment)) func(*Association, *dimse.N_ACTION_RQ, []byte) *dimse.N_ACTION_RSP {
	return func(a *Association, rq *dimse.N_ACTION_RQ, data []byte) *dimse.N_ACTION_RSP {
		if rq.RequestedSOPClassUID != sopclass.StorageCommitmentPushModelClasses[0].UID {
			return &dimse.N_ACTION_RSP{
				MessageIDBeingRespondedTo: rq.MessageID,
				CommandDataSetType:        dimse.CommandDataSetTypeNull,
				Status:                    dimse.Status{Status: dimse.StatusNoSuchSOPClass},
			}
		}
		rsp := &dimse.N_ACTION_RSP{
			MessageIDBeingRespondedTo: rq.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			AffectedSOPClassUID:       rq.RequestedSOPClassUID,
			AffectedSOPInstanceUID:    rq.RequestedSOPInstanceUID,
			ActionTypeID:              rq.ActionTypeID,
			Status:                    dimse.Success,
		}
		if onCommitted != nil {
			onCommitted(PendingCommitment{
				LocalAE:                 a.LocalAE,
				RemoteAE:                a.RemoteAE,
				PeerHost:                a.RemoteHost,
				PeerPort:                peerPort,
				RequestedSOPInstanceUID: rq.RequestedSOPInstanceUID,
				AbstractSyntaxUID:       rq.RequestedSOPClassUID,
				Dataset:                 append([]byte(nil), data...),
			})
		}
		return rsp
	}
}
