package mppscmt

import (
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicomkit/mppscmt/dimse"
	"github.com/dicomkit/mppscmt/sopclass"
)

// storageCommitmentPair is establishedPair, but negotiating Storage
// Commitment Push Model instead of MPPS, for the commitment-driver tests.
func storageCommitmentPair(t *testing.T) (server, client *Association) {
	t.Helper()
	ln := listenLoopback(t)

	serverCfg := &ServerConfig{
		LocalAETitle:     "STORCMTSCP",
		Profile:          sopclass.AllClasses,
		TransferSyntaxes: DefaultTransferSyntaxes,
		ACSETimeout:      5 * time.Second,
		MaxPDUSize:       16384,
	}
	srvCh := make(chan *Association, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		a, err := Accept(conn, serverCfg)
		require.NoError(t, err)
		srvCh <- a
	}()

	clientCfg := &ClientConfig{
		LocalAETitle:     "MODALITY1",
		RemoteAETitle:    "STORCMTSCP",
		AbstractSyntax:   sopclass.StorageCommitmentPushModelClasses[0],
		TransferSyntaxes: DefaultTransferSyntaxes,
		ACSETimeout:      5 * time.Second,
		MaxPDUSize:       16384,
	}
	var err error
	client, err = Dial(ln.Addr().String(), clientCfg)
	require.NoError(t, err)
	server = <-srvCh
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestCommitmentDriverRecordOverwritesPending(t *testing.T) {
	d := NewCommitmentDriver(ModeA, time.Second, 115, DefaultTransferSyntaxes)
	assert.False(t, d.HasPending())

	d.Record(PendingCommitment{RequestedSOPInstanceUID: "1.1"})
	d.Record(PendingCommitment{RequestedSOPInstanceUID: "1.2"})
	require.True(t, d.HasPending())

	pc := d.take()
	require.NotNil(t, pc)
	assert.Equal(t, "1.2", pc.RequestedSOPInstanceUID, "a second Record before delivery must overwrite, not queue")
	assert.False(t, d.HasPending(), "take must clear the pending slot")
}

func TestDeliverModeAIsNoOpWithNothingPending(t *testing.T) {
	d := NewCommitmentDriver(ModeA, time.Second, 115, DefaultTransferSyntaxes)
	server, _ := storageCommitmentPair(t)
	assert.NoError(t, d.DeliverModeA(server))
}

func TestDeliverModeASendsEventReportOnTriggeringAssociation(t *testing.T) {
	server, client := storageCommitmentPair(t)

	d := NewCommitmentDriver(ModeA, time.Second, 115, DefaultTransferSyntaxes)
	d.Record(PendingCommitment{
		LocalAE:                 "STORCMTSCP",
		RemoteAE:                "MODALITY1",
		AbstractSyntaxUID:       sopclass.StorageCommitmentPushModelClasses[0].UID,
		RequestedSOPInstanceUID: "1.2.840.10008.1.20.1.1",
	})

	require.NoError(t, d.DeliverModeA(server))
	assert.False(t, d.HasPending())

	_, msg, _, err := client.readMessage(5 * time.Second)
	require.NoError(t, err)
	rq, ok := msg.(*dimse.N_EVENT_REPORT_RQ)
	require.True(t, ok)
	assert.Equal(t, sopclass.StorageCommitmentPushModelClasses[0].UID, rq.AffectedSOPClassUID)
	assert.Equal(t, "1.2.840.10008.1.20.1.1", rq.AffectedSOPInstanceUID)
	assert.Equal(t, uint16(1), rq.EventTypeID)
}

func TestDeliverModeARefusesUnknownAbstractSyntax(t *testing.T) {
	server, _ := storageCommitmentPair(t)
	d := NewCommitmentDriver(ModeA, time.Second, 115, DefaultTransferSyntaxes)
	d.Record(PendingCommitment{AbstractSyntaxUID: "1.2.3.4.5.not-negotiated"})
	err := d.DeliverModeA(server)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDeliverModeBRefusesWhileTriggeringAssociationStillEstablished(t *testing.T) {
	server, _ := storageCommitmentPair(t)
	d := NewCommitmentDriver(ModeB, 0, 115, DefaultTransferSyntaxes)
	d.Record(PendingCommitment{RemoteAE: "MODALITY1", PeerHost: "127.0.0.1", PeerPort: 1})

	err := d.DeliverModeB(server)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.True(t, d.HasPending(), "refused delivery must restore the pending commitment")
}

func TestDeliverModeBDeliversOnFreshAssociationAfterTriggeringCloses(t *testing.T) {
	ln := listenLoopback(t)
	triggeringServer, triggering := storageCommitmentPair(t) // only used to obtain a StateClosed Association
	// Serve answers the client's A-RELEASE-RQ so that Release can complete.
	go func() { _ = Serve(triggeringServer, &Handlers{}, &DispatchConfig{}, nil, nil) }()
	require.NoError(t, triggering.Release())
	require.Equal(t, StateClosed, triggering.State())

	peerDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			peerDone <- err
			return
		}
		peer, err := Accept(conn, &ServerConfig{
			LocalAETitle:     "MODALITY1",
			Profile:          sopclass.StorageCommitmentPushModelClasses,
			TransferSyntaxes: DefaultTransferSyntaxes,
			ACSETimeout:      5 * time.Second,
			MaxPDUSize:       16384,
		})
		if err != nil {
			peerDone <- err
			return
		}
		defer peer.Close()

		contextID, msg, _, err := peer.readMessage(5 * time.Second)
		if err != nil {
			peerDone <- err
			return
		}
		rq, ok := msg.(*dimse.N_EVENT_REPORT_RQ)
		if !ok {
			peerDone <- fmt.Errorf("unexpected message %v", msg)
			return
		}
		if rq.AffectedSOPInstanceUID != "1.2.840.10008.1.20.1.1" {
			peerDone <- fmt.Errorf("unexpected SOP instance %q", rq.AffectedSOPInstanceUID)
			return
		}
		if err := peer.sendMessage(contextID, &dimse.N_EVENT_REPORT_RSP{
			MessageIDBeingRespondedTo: rq.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			EventTypeID:               rq.EventTypeID,
			Status:                    dimse.Success,
		}, nil); err != nil {
			peerDone <- err
			return
		}
		peerDone <- peer.handlePeerRelease()
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	d := NewCommitmentDriver(ModeB, 0, 0, DefaultTransferSyntaxes)
	d.ClientConfigBase = ClientConfig{LocalAETitle: "STORCMTSCP", ACSETimeout: 5 * time.Second, MaxPDUSize: 16384}
	d.Record(PendingCommitment{
		RemoteAE:                "MODALITY1",
		PeerHost:                "127.0.0.1",
		PeerPort:                port,
		AbstractSyntaxUID:       sopclass.StorageCommitmentPushModelClasses[0].UID,
		RequestedSOPInstanceUID: "1.2.840.10008.1.20.1.1",
	})

	require.NoError(t, d.DeliverModeB(triggering))
	assert.False(t, d.HasPending())

	select {
	case err := <-peerDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback peer")
	}
}
