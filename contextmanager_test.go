package mppscmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicomkit/mppscmt/pdu"
	"github.com/dicomkit/mppscmt/sopclass"
)

func mppsRequestItem(id byte, transferSyntaxes ...string) *pdu.PresentationContextItem {
	items := []pdu.SubItem{&pdu.AbstractSyntaxSubItem{Name: sopclass.ModalityPerformedProcedureStepClasses[0].UID}}
	for _, ts := range transferSyntaxes {
		items = append(items, &pdu.TransferSyntaxSubItem{Name: ts})
	}
	return &pdu.PresentationContextItem{Type: pdu.ItemTypePresentationContextRequest, ContextID: id, Items: items}
}

func TestNegotiateAcceptsKnownAbstractSyntaxAndPicksFirstMatchingTransferSyntax(t *testing.T) {
	table := newContextTable()
	req := mppsRequestItem(1, ExplicitVRBigEndian, ImplicitVRLittleEndian, ExplicitVRLittleEndian)
	ac := table.negotiate(req, sopclass.ModalityPerformedProcedureStepClasses, DefaultTransferSyntaxes)

	require.Equal(t, pdu.PresentationContextAccepted, ac.Result)
	require.Len(t, ac.Items, 1)
	ts, ok := ac.Items[0].(*pdu.TransferSyntaxSubItem)
	require.True(t, ok)
	// DefaultTransferSyntaxes lists Implicit first, but negotiate walks the
	// peer's order: the peer proposed Big-Endian first and it is also in
	// DefaultTransferSyntaxes, so ExplicitVRBigEndian wins over
	// ImplicitVRLittleEndian per spec.md §4.1 step 5.
	assert.Equal(t, ExplicitVRBigEndian, ts.Name)

	pc, ok := table.lookupByContextID(1)
	require.True(t, ok)
	assert.True(t, pc.Accepted)
	assert.Equal(t, ExplicitVRBigEndian, pc.TransferSyntax)
}

func TestNegotiateRejectsUnknownAbstractSyntax(t *testing.T) {
	table := newContextTable()
	req := &pdu.PresentationContextItem{
		Type:      pdu.ItemTypePresentationContextRequest,
		ContextID: 1,
		Items: []pdu.SubItem{
			&pdu.AbstractSyntaxSubItem{Name: "1.2.3.4.5.not-a-real-sop-class"},
			&pdu.TransferSyntaxSubItem{Name: ImplicitVRLittleEndian},
		},
	}
	ac := table.negotiate(req, sopclass.ModalityPerformedProcedureStepClasses, DefaultTransferSyntaxes)

	assert.Equal(t, pdu.PresentationContextProviderRejectionAbstractSyntaxNotSupported, ac.Result)
	assert.Empty(t, ac.Items)
	_, ok := table.lookupByContextID(1)
	assert.False(t, ok, "a rejected context must not be returned by lookupByContextID")
}

func TestNegotiateRejectsWhenNoProposedTransferSyntaxIsConfigured(t *testing.T) {
	table := newContextTable()
	req := mppsRequestItem(1, "1.2.840.10008.1.2.4.50") // JPEG baseline, not in our list
	ac := table.negotiate(req, sopclass.ModalityPerformedProcedureStepClasses, DefaultTransferSyntaxes)
	assert.Equal(t, pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported, ac.Result)
}

func TestProposeThenApplyAcceptRoundTrip(t *testing.T) {
	table := newContextTable()
	req := table.propose(1, sopclass.StorageCommitmentPushModelClasses[0].UID, DefaultTransferSyntaxes)
	require.Equal(t, byte(1), req.ContextID)

	ac := &pdu.PresentationContextItem{
		Type:      pdu.ItemTypePresentationContextResponse,
		ContextID: 1,
		Result:    pdu.PresentationContextAccepted,
		Items:     []pdu.SubItem{&pdu.TransferSyntaxSubItem{Name: ExplicitVRLittleEndian}},
	}
	require.NoError(t, table.applyAccept(ac))

	pc, ok := table.lookupByAbstractSyntaxUID(sopclass.StorageCommitmentPushModelClasses[0].UID)
	require.True(t, ok)
	assert.Equal(t, ExplicitVRLittleEndian, pc.TransferSyntax)
}

func TestApplyAcceptRejectsTransferSyntaxNeverProposed(t *testing.T) {
	table := newContextTable()
	table.propose(1, sopclass.StorageCommitmentPushModelClasses[0].UID, []string{ImplicitVRLittleEndian})

	ac := &pdu.PresentationContextItem{
		Type:      pdu.ItemTypePresentationContextResponse,
		ContextID: 1,
		Result:    pdu.PresentationContextAccepted,
		Items:     []pdu.SubItem{&pdu.TransferSyntaxSubItem{Name: ExplicitVRBigEndian}},
	}
	err := table.applyAccept(ac)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestApplyAcceptUnknownContextIsProtocolError(t *testing.T) {
	table := newContextTable()
	ac := &pdu.PresentationContextItem{ContextID: 9, Result: pdu.PresentationContextAccepted}
	err := table.applyAccept(ac)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestProposeAllAssignsOddIncreasingContextIDs(t *testing.T) {
	table := newContextTable()
	items := table.proposeAll([]sopclass.SOPUID{
		sopclass.VerificationClasses[0],
		sopclass.ModalityPerformedProcedureStepClasses[0],
	}, DefaultTransferSyntaxes)
	require.Len(t, items, 2)
	assert.Equal(t, byte(1), items[0].ContextID)
	assert.Equal(t, byte(3), items[1].ContextID)
}

func TestNegotiateAllCountsAcceptedContexts(t *testing.T) {
	table := newContextTable()
	requestItems := []pdu.SubItem{
		mppsRequestItem(1, ImplicitVRLittleEndian),
		&pdu.PresentationContextItem{
			Type:      pdu.ItemTypePresentationContextRequest,
			ContextID: 3,
			Items: []pdu.SubItem{
				&pdu.AbstractSyntaxSubItem{Name: "bogus"},
				&pdu.TransferSyntaxSubItem{Name: ImplicitVRLittleEndian},
			},
		},
	}
	acItems := table.negotiateAll(requestItems, sopclass.ModalityPerformedProcedureStepClasses, DefaultTransferSyntaxes)
	require.Len(t, acItems, 2)
	assert.Equal(t, 1, table.acceptedCount())
}
