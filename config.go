package mppscmt

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dicomkit/mppscmt/sopclass"
)

// Config is the CLI surface of spec.md §6, shared by cmd/mppsscp and
// cmd/storcmtscp: both bind a single port, accept a configurable AE
// title, and drive the same Association/Dispatcher/CommitmentDriver
// trio; they differ only in which sopclass.SOPUID profile and Handlers
// they wire in. Grounded on the teacher's sampleserver.go flag set
// (-port, -ae), extended with the ACSE/DIMSE timeouts, callback port,
// and commitment knobs this spec adds.
type Config struct {
	Port               int
	AETitle            string
	UseCalledAETitle   bool
	PeerPort           int // default callback port for mode-B event reports, §9 Open Question
	CommitWaitTimeout  time.Duration
	ACSETimeout        time.Duration
	DIMSETimeout       time.Duration
	MaxPDUSize         uint32
	DisableHostLookup  bool
	EventReportMode    EventReportMode
	ProfilePath        string // optional AE-title allowlist file
	MetricsAddr        string // address for the /metrics HTTP endpoint; empty disables it
}

// RegisterFlags installs Config's fields onto fs, mirroring sampleserver.go's
// flat flag.String/flag.Int style rather than a subcommand framework.
// c.MaxPDUSize and c.EventReportMode are set through small flag.Value
// adapters (uint32Flag, eventReportModeFlag) so every field lands
// directly in Config with no second conversion pass after fs.Parse.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Port, "port", 10400, "TCP port to listen on")
	fs.StringVar(&c.AETitle, "aetitle", "MPPSSCP", "AE title of this server")
	fs.BoolVar(&c.UseCalledAETitle, "use-called-aetitle", false, "answer A-ASSOCIATE-AC under the AE title the SCU addressed, instead of -aetitle")
	fs.IntVar(&c.PeerPort, "peer-port", 115, "default TCP port to dial for mode-B N-EVENT-REPORT callbacks when the requester gave none")
	fs.DurationVar(&c.CommitWaitTimeout, "commit-wait-timeout", 5*time.Second, "mode-A: how long to wait for another command before delivering a pending event report inline")
	fs.DurationVar(&c.ACSETimeout, "acse-timeout", 30*time.Second, "deadline for ACSE negotiation (A-ASSOCIATE, A-RELEASE)")
	fs.DurationVar(&c.DIMSETimeout, "dimse-timeout", 0, "deadline for reading the next DIMSE command; 0 blocks indefinitely")
	c.MaxPDUSize = 16384
	fs.Var((*uint32Flag)(&c.MaxPDUSize), "max-pdu", "maximum PDU size this server advertises and accepts")
	fs.BoolVar(&c.DisableHostLookup, "disable-host-lookup", false, "accept any calling AE title without checking caller identity")
	fs.StringVar(&c.ProfilePath, "profile", "", "optional AE-title allowlist file (see ParseProfile)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", ":9090", "address to serve Prometheus /metrics on; empty disables it")
	c.EventReportMode = ModeB
	fs.Var((*eventReportModeFlag)(&c.EventReportMode), "event-report-mode", "storage commitment event-report delivery: 'a' (same association) or 'b' (new outbound association)")
}

// uint32Flag adapts a uint32 field to flag.Value; flag has no UintVar
// that accepts *uint32 directly (only *uint/*uint64).
type uint32Flag uint32

func (f *uint32Flag) String() string { return strconv.FormatUint(uint64(*f), 10) }
func (f *uint32Flag) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return err
	}
	*f = uint32Flag(n)
	return nil
}

// eventReportModeFlag adapts an EventReportMode field to flag.Value so
// "-event-report-mode=a|b" parses directly into Config.EventReportMode.
type eventReportModeFlag EventReportMode

func (f *eventReportModeFlag) String() string {
	if EventReportMode(*f) == ModeA {
		return "a"
	}
	return "b"
}
func (f *eventReportModeFlag) Set(s string) error {
	switch strings.ToLower(s) {
	case "a":
		*f = eventReportModeFlag(ModeA)
	case "b":
		*f = eventReportModeFlag(ModeB)
	default:
		return fmt.Errorf("want 'a' or 'b', got %q", s)
	}
	return nil
}

// LoadEnvOverrides applies environment variables loaded from .env (via
// godotenv, if present) or the process environment, in the MPPSCMT_*
// namespace, overriding whatever the flags set. Missing .env is not an
// error -- godotenv.Load only matters in local/dev runs; a deployed
// container supplies the environment directly.
func (c *Config) LoadEnvOverrides() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading .env: %w", err)
	}
	if v, ok := os.LookupEnv("MPPSCMT_AETITLE"); ok {
		c.AETitle = v
	}
	if v, ok := os.LookupEnv("MPPSCMT_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MPPSCMT_PORT: %w", err)
		}
		c.Port = n
	}
	if v, ok := os.LookupEnv("MPPSCMT_PEER_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MPPSCMT_PEER_PORT: %w", err)
		}
		c.PeerPort = n
	}
	return nil
}

// AEProfile is one allowed-caller entry from a profile file (ParseProfile).
type AEProfile struct {
	AETitle string
	Host    string // optional "@host" part; AcceptCallingAEFunc does not check it
}

// ParseProfile reads a small line-oriented allowlist of "aetitle[@host]"
// entries, blank lines and "#"-led comments ignored. No pack library
// targets this DICOM association-config text shape (DESIGN.md: the
// pack's structured-config libraries -- yaml.v2 -- are for generic
// nested config, not a flat caller allowlist), so this is stdlib
// bufio.Scanner, matching the minimalism of the teacher's own flag
// parsing rather than reaching for a parser built for a different shape.
func ParseProfile(path string) ([]AEProfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []AEProfile
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "@", 2)
		entry := AEProfile{AETitle: parts[0]}
		if len(parts) == 2 {
			entry.Host = parts[1]
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// AcceptCallingAEFunc builds a ServerConfig.AcceptCallingAE closure from a
// parsed profile. It returns nil if entries is empty (no allowlist
// configured, so Accept admits any caller); otherwise the closure is true
// iff the caller's AE title appears in entries. Host parts are not checked.
func AcceptCallingAEFunc(entries []AEProfile) func(ae string) bool {
	if len(entries) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(entries))
	for _, e := range entries {
		allowed[e.AETitle] = true
	}
	return func(ae string) bool { return allowed[ae] }
}

// DefaultTransferSyntaxes is a generic Implicit-LE-first negotiation
// order, used only where no service-specific list applies (tests,
// general-purpose tooling). Real SCPs use the narrower lists below:
// spec.md's "MPPS minimum: Implicit LE only. Commitment: all three
// (Explicit LE preferred)".
var DefaultTransferSyntaxes = []string{
	ImplicitVRLittleEndian,
	ExplicitVRLittleEndian,
	ExplicitVRBigEndian,
}

// MPPSTransferSyntaxes is the transfer-syntax list an MPPS SCP negotiates
// with: Implicit VR Little Endian only, the minimum every DICOM
// implementation supports (spec.md §6). Since negotiate/
// firstMatchingTransferSyntax accepts on membership in this list, keeping
// it to one entry is what actually enforces the minimum -- offering the
// Explicit syntaxes too would let a peer negotiate past it.
var MPPSTransferSyntaxes = []string{ImplicitVRLittleEndian}

// CommitmentTransferSyntaxes is the transfer-syntax list a Storage
// Commitment SCP negotiates with, and the order its mode-B callback
// association proposes in: Explicit VR Little Endian preferred, then
// Explicit VR Big Endian, then Implicit VR Little Endian (spec.md §4.6,
// §6: "preferring Explicit VR LE, then Big Endian Explicit, then
// Implicit LE").
var CommitmentTransferSyntaxes = []string{ExplicitVRLittleEndian, ExplicitVRBigEndian, ImplicitVRLittleEndian}

// NewServerConfig builds the negotiation policy (association.go's
// ServerConfig) for an MPPS or Storage Commitment SCP from Config, the
// SOP class(es) that provider accepts, and the transfer-syntax list
// appropriate to that service (MPPSTransferSyntaxes or
// CommitmentTransferSyntaxes).
func (c *Config) NewServerConfig(profile []sopclass.SOPUID, transferSyntaxes []string, acceptCallingAE func(string) bool) *ServerConfig {
	if c.DisableHostLookup {
		acceptCallingAE = nil
	}
	return &ServerConfig{
		LocalAETitle:     c.AETitle,
		UseCalledAETitle: c.UseCalledAETitle,
		AcceptCallingAE:  acceptCallingAE,
		Profile:          profile,
		TransferSyntaxes: transferSyntaxes,
		ACSETimeout:      c.ACSETimeout,
		MaxPDUSize:       c.MaxPDUSize,
	}
}
