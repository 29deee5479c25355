// Command storcmtscp is a Storage Commitment Push Model SCP: it accepts
// associations, negotiates Verification and Storage Commitment, answers
// C-ECHO and N-ACTION, and delivers the resulting N-EVENT-REPORT-RQ either
// on the same association (mode A) or a fresh outbound one opened after
// the triggering association closes (mode B, the default) -- spec.md §4.6.
//
// Usage: ./storcmtscp -port 10402 -aetitle STORCMTSCP -event-report-mode b
package main

import (
	"flag"
	"net/http"
	"os"
	"strconv"

	"github.com/golang/glog"

	"github.com/dicomkit/mppscmt"
	"github.com/dicomkit/mppscmt/dimse"
	"github.com/dicomkit/mppscmt/sopclass"
)

func main() {
	var cfg mppscmt.Config
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	defer glog.Flush()

	if err := cfg.LoadEnvOverrides(); err != nil {
		glog.Exitf("loading env overrides: %v", err)
	}

	var acceptCallingAE func(string) bool
	if cfg.ProfilePath != "" {
		entries, err := mppscmt.ParseProfile(cfg.ProfilePath)
		if err != nil {
			glog.Exitf("-profile %s: %v", cfg.ProfilePath, err)
		}
		acceptCallingAE = mppscmt.AcceptCallingAEFunc(entries)
	}

	profile := append(append([]sopclass.SOPUID{}, sopclass.VerificationClasses...), sopclass.StorageCommitmentPushModelClasses...)
	serverCfg := cfg.NewServerConfig(profile, mppscmt.CommitmentTransferSyntaxes, acceptCallingAE)

	driver := mppscmt.NewCommitmentDriver(cfg.EventReportMode, cfg.CommitWaitTimeout, cfg.PeerPort, mppscmt.CommitmentTransferSyntaxes)
	driver.ClientConfigBase = mppscmt.ClientConfig{
		LocalAETitle: cfg.AETitle,
		ACSETimeout:  cfg.ACSETimeout,
		MaxPDUSize:   cfg.MaxPDUSize,
	}

	nAction := mppscmt.NewNActionHandler(cfg.PeerPort, driver.Record)
	handlers := &mppscmt.Handlers{
		CEcho:   func(*dimse.C_ECHO_RQ) dimse.Status { return dimse.Success },
		NAction: nAction,
	}

	metrics := mppscmt.NewMetrics(nil)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				glog.Errorf("storcmtscp: metrics server on %s: %v", cfg.MetricsAddr, err)
			}
		}()
		glog.Infof("storcmtscp: serving /metrics on %s", cfg.MetricsAddr)
	}
	listener := &mppscmt.Listener{
		ServerConfig:     *serverCfg,
		DispatchConfig:   mppscmt.DispatchConfig{DIMSETimeout: cfg.DIMSETimeout},
		Handlers:         handlers,
		CommitmentDriver: driver,
		Metrics:          metrics,
	}

	addr := ":" + strconv.Itoa(cfg.Port)
	glog.Infof("storcmtscp: listening on %s as AE %q, event-report mode %v", addr, cfg.AETitle, cfg.EventReportMode)
	if err := listener.Serve(addr); err != nil {
		glog.Errorf("storcmtscp: cannot start listener: %v", err)
		glog.Flush()
		os.Exit(64)
	}
	os.Exit(0)
}
