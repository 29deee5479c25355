// Command mppsscp is a Modality Performed Procedure Step SCP: it accepts
// associations, negotiates Verification and MPPS, and answers C-ECHO,
// N-CREATE and N-SET (spec.md §2, §4.4).
//
// Usage: ./mppsscp -port 10401 -aetitle MPPSSCP
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

	profile := append(append([]sopclass.SOPUID{}, sopclass.VerificationClasses...), sopclass.ModalityPerformedProcedureStepClasses...)
	serverCfg := cfg.NewServerConfig(profile, mppscmt.MPPSTransferSyntaxes, acceptCallingAE)

	create, set := mppscmt.NewMPPSHandlers(nil)
	handlers := &mppscmt.Handlers{
		CEcho:   func(*dimse.C_ECHO_RQ) dimse.Status { return dimse.Success },
		NCreate: create,
		NSet:    set,
	}

	metrics := mppscmt.NewMetrics(nil)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				glog.Errorf("mppsscp: metrics server on %s: %v", cfg.MetricsAddr, err)
			}
		}()
		glog.Infof("mppsscp: serving /metrics on %s", cfg.MetricsAddr)
	}
	listener := &mppscmt.Listener{
		ServerConfig:   *serverCfg,
		DispatchConfig: mppscmt.DispatchConfig{DIMSETimeout: cfg.DIMSETimeout},
		Handlers:       handlers,
		Metrics:        metrics,
	}

	addr := ":" + strconv.Itoa(cfg.Port)
	glog.Infof("mppsscp: listening on %s as AE %q", addr, cfg.AETitle)
	if err := listener.Serve(addr); err != nil {
		glog.Errorf("mppsscp: cannot start listener: %v", err)
		glog.Flush()
		os.Exit(64)
	}
	os.Exit(0)
}
