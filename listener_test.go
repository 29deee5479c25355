package mppscmt

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicomkit/mppscmt/dimse"
	"github.com/dicomkit/mppscmt/sopclass"
)

// freeLoopbackAddr reserves an ephemeral port long enough to learn its
// number, then releases it for Listener.Serve to rebind.
func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestListenerServeEndToEndCEcho(t *testing.T) {
	addr := freeLoopbackAddr(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	// waitForListener's probe connection is accepted (and rejected) as the
	// first association, so Stop lets one more association through after it.
	var stopChecks int
	l := &Listener{
		ServerConfig: ServerConfig{
			LocalAETitle:     "MPPSSCP",
			Profile:          sopclass.AllClasses,
			TransferSyntaxes: DefaultTransferSyntaxes,
			ACSETimeout:      5 * time.Second,
			MaxPDUSize:       16384,
		},
		DispatchConfig: DispatchConfig{},
		Handlers:       &Handlers{CEcho: func(*dimse.C_ECHO_RQ) dimse.Status { return dimse.Success }},
		Metrics:        metrics,
		Stop:           func() bool { stopChecks++; return stopChecks > 2 },
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- l.Serve(addr) }()
	waitForListener(t, addr)

	client, err := Dial(addr, &ClientConfig{
		LocalAETitle:     "SCU",
		RemoteAETitle:    "MPPSSCP",
		AbstractSyntax:   sopclass.VerificationClasses[0],
		TransferSyntaxes: DefaultTransferSyntaxes,
		ACSETimeout:      5 * time.Second,
		MaxPDUSize:       16384,
	})
	require.NoError(t, err)
	defer client.Close()

	pc, ok := client.contexts.lookupByContextID(1)
	require.True(t, ok)
	require.NoError(t, client.sendMessage(pc.ID, &dimse.C_ECHO_RQ{MessageID: 1, CommandDataSetType: dimse.CommandDataSetTypeNull}, nil))
	_, msg, _, err := client.readMessage(5 * time.Second)
	require.NoError(t, err)
	rsp, ok := msg.(*dimse.C_ECHO_RSP)
	require.True(t, ok)
	assert.Equal(t, dimse.Success, rsp.Status)
	require.NoError(t, client.Release())

	select {
	case err := <-serveErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listener.Serve did not stop")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AssociationsAccepted))
}

func TestListenerServeCountsRejectedAssociations(t *testing.T) {
	addr := freeLoopbackAddr(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	// waitForListener's probe connection is accepted (and rejected) as the
	// first association, so Stop lets one more association through after it.
	var stopChecks int
	l := &Listener{
		ServerConfig: ServerConfig{
			LocalAETitle:     "MPPSSCP",
			AcceptCalledAE:   func(ae string) bool { return ae == "ONLY_ME" },
			Profile:          sopclass.AllClasses,
			TransferSyntaxes: DefaultTransferSyntaxes,
			ACSETimeout:      5 * time.Second,
			MaxPDUSize:       16384,
		},
		Metrics: metrics,
		Stop:    func() bool { stopChecks++; return stopChecks > 2 },
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- l.Serve(addr) }()
	waitForListener(t, addr)

	_, err := Dial(addr, &ClientConfig{
		LocalAETitle:     "SCU",
		RemoteAETitle:    "SOMEONE_ELSE",
		AbstractSyntax:   sopclass.VerificationClasses[0],
		TransferSyntaxes: DefaultTransferSyntaxes,
		ACSETimeout:      5 * time.Second,
		MaxPDUSize:       16384,
	})
	require.Error(t, err)

	select {
	case err := <-serveErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listener.Serve did not stop")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AssociationsRejected.WithLabelValues("called_ae_not_recognized")))
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener on %s never came up", addr)
}
