package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to translation into the
// sender/receiver configs so main.go can validate and map.
type cliConfig struct {
	senderMode  bool
	host        string
	files       []string
	port        int
	dest        string
	dir         string
	secret      string
	lossP       float64
	lossQ       float64
	logLevel    string
	metricsAddr string
	showVersion bool
}

// lossUnset marks -p / -q as not provided so the Gilbert defaulting rules can
// distinguish "0" from "absent".
const lossUnset = -1

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("rft", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	var files stringSliceFlag

	fs.BoolVar(&cfg.senderMode, "s", false, "Run as sender (mutually exclusive with a host argument)")
	fs.StringVar(&cfg.host, "host", "", "Sender hostname or IPv4 address (receiver mode)")
	fs.Var(&files, "files", "File to request (can be specified multiple times)")
	fs.IntVar(&cfg.port, "t", 8080, "Port the sender listens on (receiver binds port+1)")
	fs.StringVar(&cfg.dest, "dest", "/tmp", "Destination directory for received files")
	fs.StringVar(&cfg.dir, "dir", ".", "Directory served in sender mode")
	fs.StringVar(&cfg.secret, "secret", "", "Puzzle secret (sender mode; defaults to a build-time constant)")
	fs.Float64Var(&cfg.lossP, "p", lossUnset, "Simulated packet loss probability (Gilbert model)")
	fs.Float64Var(&cfg.lossQ, "q", lossUnset, "Probability of leaving the loss state (Gilbert model)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics", "", "Expose Prometheus metrics on this address (empty=disabled)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.files = files

	// Positional form: host [files ...].
	if rest := fs.Args(); len(rest) > 0 {
		if cfg.host == "" {
			cfg.host = rest[0]
			rest = rest[1:]
		}
		cfg.files = append(cfg.files, rest...)
	}

	if cfg.showVersion {
		return cfg, nil
	}

	if cfg.senderMode && cfg.host != "" {
		return nil, errors.New("cannot be sender and host at the same time")
	}
	if cfg.senderMode && len(cfg.files) > 0 {
		return nil, errors.New("cannot specify files in sender mode")
	}
	if !cfg.senderMode {
		if cfg.host == "" {
			return nil, errors.New("must specify a host (or -s for sender mode)")
		}
		if len(cfg.files) == 0 {
			return nil, errors.New("must specify files in receiver mode")
		}
	}

	if cfg.port <= 0 || cfg.port > 65534 {
		return nil, fmt.Errorf("port %d out of range", cfg.port)
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	// Gilbert defaulting: a single given parameter mirrors onto the other;
	// neither given means lossless (p=0, q=1).
	switch {
	case cfg.lossP == lossUnset && cfg.lossQ == lossUnset:
		cfg.lossP, cfg.lossQ = 0, 1
	case cfg.lossP == lossUnset:
		cfg.lossP = cfg.lossQ
	case cfg.lossQ == lossUnset:
		cfg.lossQ = cfg.lossP
	}
	if cfg.lossP < 0 || cfg.lossP > 1 || cfg.lossQ < 0 || cfg.lossQ > 1 {
		return nil, fmt.Errorf("loss parameters must be within [0,1]: p=%v q=%v", cfg.lossP, cfg.lossQ)
	}

	return cfg, nil
}

// stringSliceFlag implements flag.Value for multiple string values
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}
