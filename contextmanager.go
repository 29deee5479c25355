package mppscmt

import (
	"fmt"

	"github.com/dicomkit/mppscmt/pdu"
	"github.com/dicomkit/mppscmt/sopclass"
)

// Transfer syntax UIDs this repository understands. MPPS proposes/accepts
// ImplicitVRLittleEndian only; Storage Commitment proposes all three,
// preferring ExplicitVRLittleEndian.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// ContextRole is the role a presentation context is proposed under (P3.7
// extended negotiation, SCU/SCP role selection). This repository never
// proposes or honors role selection; the field exists for the data model's
// completeness and is always RoleDefault in practice.
type ContextRole int

const (
	RoleDefault ContextRole = iota
	RoleSCU
	RoleSCP
	RoleBoth
)

// rejectReason records why a single presentation context was turned down.
// Unlike association-level rejection (rejectionReasons in association.go),
// a per-context reject never ends the association by itself; §4.1 step 6
// rejects the association (A-ASSOCIATE-RJ) only when every proposed
// context is rejected.
type rejectReason int

const (
	rejectNone rejectReason = iota
	rejectAbstractSyntaxNotSupported
	rejectTransferSyntaxNotSupported
)

// presentationContext is this provider's record of one negotiated context:
// what the peer proposed (or what we proposed, on the outbound path) and
// what was decided.
type presentationContext struct {
	ID                       byte
	AbstractSyntaxUID        string
	ProposedTransferSyntaxes []string
	Role                     ContextRole

	Accepted       bool
	TransferSyntax string // valid iff Accepted
	Reject         rejectReason
}

// contextTable holds the presentation contexts of one association, keyed
// by id (spec.md §3: "pcs: set of PCs, unique by id"). The same table
// serves both roles: negotiate/accept as an SCP, or propose/applyAccept as
// the SCU side of a mode-B commitment callback association.
//
// Grounded on the teacher's contextManager (contextmanager.go), generalized
// from "first proposed transfer syntax always wins" to the profile-gated
// policy of spec.md §4.1 step 5.
type contextTable struct {
	byID map[byte]*presentationContext
}

func newContextTable() *contextTable {
	return &contextTable{byID: make(map[byte]*presentationContext)}
}

// negotiate applies the server policy of spec.md §4.1 step 5 to one
// proposed presentation context and returns the presentation-context-result
// item to place in the A-ASSOCIATE-AC. profile is the set of abstract
// syntaxes this provider is configured to accept; preferredTransferSyntaxes
// is this provider's transfer-syntax list, used as a set: the peer's
// proposal order, not the order of this list, decides which one is chosen.
func (t *contextTable) negotiate(item *pdu.PresentationContextItem, profile []sopclass.SOPUID, preferredTransferSyntaxes []string) *pdu.PresentationContextItem {
	pc := &presentationContext{ID: item.ContextID}
	var abstractSyntax string
	var proposed []string
	for _, sub := range item.Items {
		switch s := sub.(type) {
		case *pdu.AbstractSyntaxSubItem:
			abstractSyntax = s.Name
		case *pdu.TransferSyntaxSubItem:
			proposed = append(proposed, s.Name)
		}
	}
	pc.AbstractSyntaxUID = abstractSyntax
	pc.ProposedTransferSyntaxes = proposed

	var result pdu.PresentationContextResult
	if !inProfile(abstractSyntax, profile) {
		pc.Reject = rejectAbstractSyntaxNotSupported
		result = pdu.PresentationContextProviderRejectionAbstractSyntaxNotSupported
	} else if ts, ok := firstMatchingTransferSyntax(proposed, preferredTransferSyntaxes); ok {
		pc.Accepted = true
		pc.TransferSyntax = ts
		result = pdu.PresentationContextAccepted
	} else {
		pc.Reject = rejectTransferSyntaxNotSupported
		result = pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported
	}
	t.byID[pc.ID] = pc

	ac := &pdu.PresentationContextItem{
		Type:      pdu.ItemTypePresentationContextResponse,
		ContextID: pc.ID,
		Result:    result,
	}
	if pc.Accepted {
		ac.Items = []pdu.SubItem{&pdu.TransferSyntaxSubItem{Name: pc.TransferSyntax}}
	}
	return ac
}

// propose builds the presentation-context-request item for an outbound
// A-ASSOCIATE-RQ (association.Dial, and the mode-B commitment driver) and
// remembers what was proposed so applyAccept can validate the peer's
// answer against it.
func (t *contextTable) propose(id byte, abstractSyntaxUID string, transferSyntaxes []string) *pdu.PresentationContextItem {
	pc := &presentationContext{
		ID:                       id,
		AbstractSyntaxUID:        abstractSyntaxUID,
		ProposedTransferSyntaxes: transferSyntaxes,
	}
	t.byID[id] = pc

	items := []pdu.SubItem{&pdu.AbstractSyntaxSubItem{Name: abstractSyntaxUID}}
	for _, ts := range transferSyntaxes {
		items = append(items, &pdu.TransferSyntaxSubItem{Name: ts})
	}
	return &pdu.PresentationContextItem{
		Type:      pdu.ItemTypePresentationContextRequest,
		ContextID: id,
		Items:     items,
	}
}

// applyAccept records the peer's decision, carried in an A-ASSOCIATE-AC
// presentation-context-response item, for a context this side proposed.
// Enforces spec.md §3's invariant: an accepted outcome's transfer syntax
// must be one of the ones we proposed.
func (t *contextTable) applyAccept(item *pdu.PresentationContextItem) error {
	pc, ok := t.byID[item.ContextID]
	if !ok {
		return fmt.Errorf("mppscmt: peer accepted/rejected unknown presentation context %d: %w", item.ContextID, ErrProtocol)
	}
	if item.Result != pdu.PresentationContextAccepted {
		pc.Accepted = false
		return nil
	}
	for _, sub := range item.Items {
		ts, ok := sub.(*pdu.TransferSyntaxSubItem)
		if !ok {
			continue
		}
		if !containsString(pc.ProposedTransferSyntaxes, ts.Name) {
			return fmt.Errorf("mppscmt: peer accepted transfer syntax %q we never proposed for context %d: %w", ts.Name, item.ContextID, ErrProtocol)
		}
		pc.TransferSyntax = ts.Name
		pc.Accepted = true
	}
	return nil
}

// lookupByContextID returns the accepted context for id. Used by the
// dispatcher (§4.2 step b) to validate that a DIMSE command arrived on a
// context this association actually accepted.
func (t *contextTable) lookupByContextID(id byte) (*presentationContext, bool) {
	pc, ok := t.byID[id]
	if !ok || !pc.Accepted {
		return nil, false
	}
	return pc, true
}

// lookupByAbstractSyntaxUID finds the accepted context whose abstract
// syntax matches uid. Used by handlers and the commitment driver to pick
// the context id to send a request or response on (§4.6).
func (t *contextTable) lookupByAbstractSyntaxUID(uid string) (*presentationContext, bool) {
	for _, pc := range t.byID {
		if pc.Accepted && pc.AbstractSyntaxUID == uid {
			return pc, true
		}
	}
	return nil, false
}

// proposeAll builds the presentation-context-request items for every
// abstract syntax in services, each offered with the same transfer-syntax
// list, starting at context id 1 (ids must be odd; P3.8 9.3.2.2).
// Mirrors the teacher's generateAssociateRequest, minus the
// application-context/user-information items association.go adds itself.
func (t *contextTable) proposeAll(services []sopclass.SOPUID, transferSyntaxes []string) []*pdu.PresentationContextItem {
	var items []*pdu.PresentationContextItem
	contextID := byte(1)
	for _, svc := range services {
		items = append(items, t.propose(contextID, svc.UID, transferSyntaxes))
		contextID += 2
	}
	return items
}

// negotiateAll runs negotiate over every proposed presentation-context item
// found in requestItems, in order, using the given profile and transfer
// syntax preference. Non-PresentationContextItem entries are ignored; the
// caller is responsible for the application-context and user-information
// items. Mirrors the teacher's onAssociateRequest, split from the
// app-context/max-PDU bookkeeping that belongs to association.go instead.
func (t *contextTable) negotiateAll(requestItems []pdu.SubItem, profile []sopclass.SOPUID, transferSyntaxes []string) []*pdu.PresentationContextItem {
	var acItems []*pdu.PresentationContextItem
	for _, requestItem := range requestItems {
		pc, ok := requestItem.(*pdu.PresentationContextItem)
		if !ok {
			continue
		}
		acItems = append(acItems, t.negotiate(pc, profile, transferSyntaxes))
	}
	return acItems
}

// applyAcceptAll runs applyAccept over every presentation-context-response
// item in responseItems. Mirrors the teacher's onAssociateResponse.
func (t *contextTable) applyAcceptAll(responseItems []pdu.SubItem) error {
	for _, responseItem := range responseItems {
		pc, ok := responseItem.(*pdu.PresentationContextItem)
		if !ok {
			continue
		}
		if err := t.applyAccept(pc); err != nil {
			return err
		}
	}
	return nil
}

func (t *contextTable) acceptedCount() int {
	n := 0
	for _, pc := range t.byID {
		if pc.Accepted {
			n++
		}
	}
	return n
}

func (t *contextTable) String() string {
	return fmt.Sprintf("contextTable{%d entries, %d accepted}", len(t.byID), t.acceptedCount())
}

func inProfile(uid string, profile []sopclass.SOPUID) bool {
	_, ok := findUID(uid, profile)
	return ok
}

func findUID(uid string, profile []sopclass.SOPUID) (sopclass.SOPUID, bool) {
	for _, c := range profile {
		if c.UID == uid {
			return c, true
		}
	}
	return sopclass.SOPUID{}, false
}

// firstMatchingTransferSyntax returns the first proposed transfer syntax
// that also appears in preferred (peer order; spec.md §4.1 step 5: "the
// first proposed transfer syntax that is also in the configured list").
func firstMatchingTransferSyntax(proposed, preferred []string) (string, bool) {
	for _, p := range proposed {
		for _, q := range preferred {
			if p == q {
				return p, true
			}
		}
	}
	return "", false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
