package mppscmt

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yasushi-saito/go-dicom/dicomio"

	"github.com/dicomkit/mppscmt/dimse"
	"github.com/dicomkit/mppscmt/pdu"
	"github.com/dicomkit/mppscmt/sopclass"
)

// establishedPair negotiates a real server/client association pair over a
// loopback TCP connection. The server accepts every SOP class in
// sopclass.AllClasses; the client proposes only MPPS, on context id 1, and
// the tests send every command on that context (the dispatcher does not
// check a command against its context's abstract syntax).
func establishedPair(t *testing.T) (server, client *Association) {
	t.Helper()
	ln := listenLoopback(t)

	serverCfg := &ServerConfig{
		LocalAETitle:     "SCP",
		Profile:          sopclass.AllClasses,
		TransferSyntaxes: DefaultTransferSyntaxes,
		ACSETimeout:      5 * time.Second,
		MaxPDUSize:       16384,
	}
	srvCh := make(chan *Association, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		a, err := Accept(conn, serverCfg)
		if err != nil {
			errCh <- err
			return
		}
		srvCh <- a
	}()

	clientCfg := &ClientConfig{
		LocalAETitle:     "SCU",
		RemoteAETitle:    "SCP",
		AbstractSyntax:   sopclass.ModalityPerformedProcedureStepClasses[0],
		TransferSyntaxes: DefaultTransferSyntaxes,
		ACSETimeout:      5 * time.Second,
		MaxPDUSize:       16384,
	}
	var err error
	client, err = Dial(ln.Addr().String(), clientCfg)
	require.NoError(t, err)

	select {
	case server = <-srvCh:
	case err := <-errCh:
		t.Fatalf("Accept failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out establishing association")
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestServeDispatchesCEcho(t *testing.T) {
	server, client := establishedPair(t)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	handlers := &Handlers{CEcho: func(*dimse.C_ECHO_RQ) dimse.Status { return dimse.Success }}
	done := make(chan error, 1)
	go func() { done <- Serve(server, handlers, &DispatchConfig{}, nil, metrics) }()

	pc, ok := client.contexts.lookupByContextID(1)
	require.True(t, ok)
	require.NoError(t, client.sendMessage(pc.ID, &dimse.C_ECHO_RQ{MessageID: 1, CommandDataSetType: dimse.CommandDataSetTypeNull}, nil))

	_, msg, _, err := client.readMessage(5 * time.Second)
	require.NoError(t, err)
	rsp, ok := msg.(*dimse.C_ECHO_RSP)
	require.True(t, ok)
	assert.Equal(t, dimse.Success, rsp.Status)
	assert.Equal(t, uint16(1), rsp.MessageIDBeingRespondedTo)

	require.NoError(t, client.Release())
	require.NoError(t, <-done)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CommandsDispatched.WithLabelValues("c_echo")))
}

func TestServeRoutesNActionWithNoHandlerToNoSuchSOPClass(t *testing.T) {
	server, client := establishedPair(t)

	handlers := &Handlers{} // no NAction configured
	done := make(chan error, 1)
	go func() { done <- Serve(server, handlers, &DispatchConfig{}, nil, nil) }()

	pc, ok := client.contexts.lookupByContextID(1)
	require.True(t, ok)
	rq := &dimse.N_ACTION_RQ{
		RequestedSOPClassUID:    sopclass.ModalityPerformedProcedureStepClasses[0].UID,
		MessageID:               2,
		RequestedSOPInstanceUID: "1.2.3",
		ActionTypeID:            1,
		CommandDataSetType:      dimse.CommandDataSetTypeNull,
	}
	require.NoError(t, client.sendMessage(pc.ID, rq, nil))

	_, msg, _, err := client.readMessage(5 * time.Second)
	require.NoError(t, err)
	rsp, ok := msg.(*dimse.N_ACTION_RSP)
	require.True(t, ok)
	assert.Equal(t, dimse.StatusNoSuchSOPClass, rsp.Status.Status)

	require.NoError(t, client.Release())
	<-done
}

func TestServeAnswersMismatchedPresentationContextWithoutAborting(t *testing.T) {
	server, client := establishedPair(t)

	handlers := &Handlers{CEcho: func(*dimse.C_ECHO_RQ) dimse.Status { return dimse.Success }}
	done := make(chan error, 1)
	go func() { done <- Serve(server, handlers, &DispatchConfig{}, nil, nil) }()

	// The command and its "dataset" are sent tagged with two different
	// context ids, forcing dimse.ErrPresentationContextsDiffer.
	pc, ok := client.contexts.lookupByContextID(1)
	require.True(t, ok)
	rq := &dimse.N_SET_RQ{
		RequestedSOPClassUID:    sopclass.ModalityPerformedProcedureStepClasses[0].UID,
		MessageID:               3,
		RequestedSOPInstanceUID: "1.2.3",
		CommandDataSetType:      1,
	}
	// Hand-encode the command on context 1 but the data PDV on a bogus
	// context id that nonetheless differs from the command's, to trigger
	// the mismatch path the same way a misbehaving peer would.
	require.NoError(t, sendMismatchedContext(t, client, pc.ID, rq, []byte("data")))

	_, msg, _, err := client.readMessage(5 * time.Second)
	require.NoError(t, err)
	rsp, ok := msg.(*dimse.N_SET_RSP)
	require.True(t, ok)
	assert.Equal(t, dimse.StatusInvalidAttributeValue, rsp.Status.Status)

	// Association must still be alive: a second, well-formed command still
	// gets answered instead of the provider having aborted.
	require.NoError(t, client.sendMessage(pc.ID, &dimse.C_ECHO_RQ{MessageID: 4, CommandDataSetType: dimse.CommandDataSetTypeNull}, nil))
	_, msg2, _, err := client.readMessage(5 * time.Second)
	require.NoError(t, err)
	_, ok = msg2.(*dimse.C_ECHO_RSP)
	assert.True(t, ok)

	require.NoError(t, client.Release())
	<-done
}

// sendMismatchedContext writes msg's command PDV on commandContextID but its
// dataset PDV tagged with a different context id, exactly the malformed
// sequence Association.readMessage's assembler flags via
// dimse.ErrPresentationContextsDiffer: the command decodes fully (and
// HasData() is true), so the next PDV's differing context id is caught
// before any data is handed to a handler.
func sendMismatchedContext(t *testing.T, a *Association, commandContextID byte, msg dimse.Message, data []byte) error {
	t.Helper()
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dimse.EncodeMessage(e, msg)
	require.NoError(t, e.Error())
	commandBytes := e.Bytes()

	if err := a.writePDU(&pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{
		{ContextID: commandContextID, Command: true, Last: true, Value: commandBytes},
	}}); err != nil {
		return err
	}
	otherID := commandContextID + 100
	return a.writePDU(&pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{
		{ContextID: otherID, Command: false, Last: true, Value: data},
	}})
}

func TestNEventReportRSPIsAcknowledgedSilently(t *testing.T) {
	server, client := establishedPair(t)

	handlers := &Handlers{}
	done := make(chan error, 1)
	go func() { done <- Serve(server, handlers, &DispatchConfig{}, nil, nil) }()

	pc, ok := client.contexts.lookupByContextID(1)
	require.True(t, ok)
	rsp := &dimse.N_EVENT_REPORT_RSP{
		MessageIDBeingRespondedTo: 1,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		EventTypeID:               1,
		Status:                    dimse.Success,
	}
	require.NoError(t, client.sendMessage(pc.ID, rsp, nil))

	// The server must not answer; prove liveness with a normal echo after.
	require.NoError(t, client.sendMessage(pc.ID, &dimse.C_ECHO_RQ{MessageID: 2, CommandDataSetType: dimse.CommandDataSetTypeNull}, nil))
	_, msg, _, err := client.readMessage(5 * time.Second)
	require.NoError(t, err)
	_, ok = msg.(*dimse.C_ECHO_RSP)
	assert.True(t, ok)

	require.NoError(t, client.Release())
	<-done
}

func TestCommandNameLabels(t *testing.T) {
	cases := []struct {
		msg  dimse.Message
		want string
	}{
		{&dimse.C_ECHO_RQ{}, "c_echo"},
		{&dimse.N_CREATE_RQ{}, "n_create"},
		{&dimse.N_SET_RQ{}, "n_set"},
		{&dimse.N_ACTION_RQ{}, "n_action"},
		{&dimse.N_EVENT_REPORT_RQ{}, "n_event_report_rq"},
		{&dimse.N_EVENT_REPORT_RSP{}, "n_event_report_rsp"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, commandName(c.msg))
	}
}
