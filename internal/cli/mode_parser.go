package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

const (
	ModeTrack    = "track"
	ModeSpectate = "spectate"
	ModeServe    = "serve"
	ModeToken    = "token"
)

// isKnownMode checks if the provided mode name is known.
func isKnownMode(s string) (string, bool) {
	switch s {
	case ModeTrack, "tracker", "t":
		return ModeTrack, true
	case ModeSpectate, "spectator", "watch", "w":
		return ModeSpectate, true
	case ModeServe, "server", "s":
		return ModeServe, true
	case ModeToken, "key":
		return ModeToken, true
	default:
		return "", false
	}
}

// ParseMode supports:
//
//	--mode=<value>
//	<value> (subcommand shorthand), e.g., `track --entity=7`
func ParseMode(args []string) (string, []string, error) {
	var mode string
	var out []string

	for i := range args {
		arg := args[i]
		if after, ok := strings.CutPrefix(arg, "--mode="); ok {
			mode = after
			continue
		}

		if mode == "" {
			if m, ok := isKnownMode(arg); ok {
				mode = m
				continue
			}
		}
		out = append(out, arg)
	}

	if mode == "" {
		return "", out, errors.New("no mode specified: use --mode=<mode>")
	}

	if m, ok := isKnownMode(mode); ok {
		mode = m
	}

	return mode, out, nil
}

// PrintUsage prints the usage information with examples.
func PrintUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage:
  ./livetrack --mode=<mode> [flags]

Modes:
  track        Push live positions for a shipment from this device
  spectate     Follow a shipment's live position read-only
  serve        Run the tracking backend (WebSocket + HTTP API)
  token        Mint a signed access token for development

Examples:
  ./livetrack --mode=serve --config=config/config.yaml
  ./livetrack --mode=track --entity=7 --user=1 --replay=testdata/route.json
  ./livetrack --mode=spectate --entity=7 --user=2
  ./livetrack --mode=token --user=1 --role=exporter --secret='<secret>'`)
}

// AttachUsage wires a concise per-mode usage to a FlagSet.
func AttachUsage(fs *flag.FlagSet, mode string) {
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: ./livetrack --mode=%s [flags]\n", mode)
		fs.PrintDefaults()
	}
}
