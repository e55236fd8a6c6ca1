package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrUsage is returned by ParseArgs for a malformed argument vector.
var ErrUsage = errors.New("server: usage: <server> <instance> [-ORBendPoint giop:tcp:<host>:<port>] [-file=<db>] [-v<0-5>] [-nodb] [-dlist <devices>]")

// defaultVerbosity is the level of a bare "-v".
const defaultVerbosity = 4

// maxVerbosity is the highest level accepted by -v<level>.
const maxVerbosity = 5

// Args is a parsed device server argument vector.
type Args struct {
	Server   string
	Instance string
	// Host and Port come from -ORBendPoint. Port 0 picks a free port.
	Host string
	Port int
	// HasEndpoint is set when -ORBendPoint was given.
	HasEndpoint bool
	// File is the database file given with -file=.
	File string
	// Verbosity is the -v level, or -1 when absent.
	Verbosity int
	// Extra holds every other argument in the order supplied, including
	// -nodb, -dlist and -ORB options with their values.
	Extra []string
}

// ServerName returns "<server>/<instance>".
func (a Args) ServerName() string {
	return a.Server + "/" + a.Instance
}

// NoDB reports whether -nodb was given.
func (a Args) NoDB() bool {
	for _, e := range a.Extra {
		if e == "-nodb" {
			return true
		}
	}
	return false
}

// DeviceList returns the devices named with -dlist.
func (a Args) DeviceList() []string {
	for i := 0; i+1 < len(a.Extra); i++ {
		if a.Extra[i] == "-dlist" {
			var out []string
			for _, d := range strings.Split(a.Extra[i+1], ",") {
				if d = strings.TrimSpace(d); d != "" {
					out = append(out, d)
				}
			}
			return out
		}
	}
	return nil
}

// Endpoint returns the -ORBendPoint value.
func (a Args) Endpoint() string {
	return "giop:tcp:" + net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Argv rebuilds the argument vector:
//
//	<server> <instance> -ORBendPoint giop:tcp:<host>:<port> -file=<db> -v<n> <extra...>
func (a Args) Argv() []string {
	argv := []string{a.Server, a.Instance}
	if a.HasEndpoint {
		argv = append(argv, "-ORBendPoint", a.Endpoint())
	}
	if a.File != "" {
		argv = append(argv, "-file="+a.File)
	}
	if a.Verbosity >= 0 {
		argv = append(argv, "-v"+strconv.Itoa(a.Verbosity))
	}
	return append(argv, a.Extra...)
}

// ParseArgs parses a device server argument vector, without the program
// name.
func ParseArgs(argv []string) (Args, error) {
	if len(argv) < 2 || strings.HasPrefix(argv[0], "-") || strings.HasPrefix(argv[1], "-") {
		return Args{}, ErrUsage
	}
	a := Args{Server: argv[0], Instance: argv[1], Verbosity: -1}

	for i := 2; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "-ORBendPoint":
			if i+1 >= len(argv) {
				return Args{}, fmt.Errorf("%w: -ORBendPoint needs a value", ErrUsage)
			}
			i++
			host, port, err := parseEndpoint(argv[i])
			if err != nil {
				return Args{}, err
			}
			a.Host, a.Port, a.HasEndpoint = host, port, true
		case strings.HasPrefix(arg, "-file="):
			a.File = strings.TrimPrefix(arg, "-file=")
			if a.File == "" {
				return Args{}, fmt.Errorf("%w: empty -file=", ErrUsage)
			}
		case arg == "-v":
			a.Verbosity = defaultVerbosity
		case strings.HasPrefix(arg, "-v") && isDigits(arg[2:]):
			n, err := strconv.Atoi(arg[2:])
			if err != nil || n > maxVerbosity {
				return Args{}, fmt.Errorf("%w: verbosity %s out of range 0-%d", ErrUsage, arg[2:], maxVerbosity)
			}
			a.Verbosity = n
		case arg == "-dlist" || (strings.HasPrefix(arg, "-ORB") && i+1 < len(argv) && !strings.HasPrefix(argv[i+1], "-")):
			if i+1 >= len(argv) {
				return Args{}, fmt.Errorf("%w: %s needs a value", ErrUsage, arg)
			}
			a.Extra = append(a.Extra, arg, argv[i+1])
			i++
		default:
			a.Extra = append(a.Extra, arg)
		}
	}
	if a.NoDB() && a.File != "" {
		return Args{}, fmt.Errorf("%w: -nodb and -file= are exclusive", ErrUsage)
	}
	return a, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseEndpoint parses "giop:tcp:<host>:<port>". The host may be empty,
// bracketed IPv6, or a name.
func parseEndpoint(s string) (string, int, error) {
	rest, ok := strings.CutPrefix(s, "giop:tcp:")
	if !ok {
		return "", 0, fmt.Errorf("%w: endpoint %q must start with giop:tcp:", ErrUsage, s)
	}
	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return "", 0, fmt.Errorf("%w: endpoint %q: %w", ErrUsage, s, err)
	}
	port := 0
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return "", 0, fmt.Errorf("%w: endpoint %q: bad port", ErrUsage, s)
		}
	}
	return host, port, nil
}
