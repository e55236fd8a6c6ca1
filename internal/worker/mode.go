package worker

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Mode selects the execution strategy of a device server.
type Mode int

const (
	// Synchronous runs every call inline, serialised by one lock.
	Synchronous Mode = iota
	// Futures runs calls on a bounded goroutine pool.
	Futures
	// Gevent runs calls as cooperative green tasks sharing one hub token.
	Gevent
	// Asyncio runs calls one at a time on a single event-loop goroutine.
	Asyncio
)

var modeNames = map[Mode]string{
	Synchronous: "Synchronous",
	Futures:     "Futures",
	Gevent:      "Gevent",
	Asyncio:     "Asyncio",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return Synchronous, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

var defaultMode atomic.Int32

// SetDefaultMode sets the process-wide mode used by classes that declare
// none and are started without an explicit override.
func SetDefaultMode(m Mode) {
	defaultMode.Store(int32(m))
}

// DefaultMode returns the process-wide default mode (initially Synchronous).
func DefaultMode() Mode {
	return Mode(defaultMode.Load())
}

// Requirement is the mode one device class asks for.
type Requirement struct {
	Class    string
	Mode     Mode
	Explicit bool
}

// ResolveMode picks the single mode a server process runs in.
//
// Each class resolves to its own explicit mode, else override when
// non-nil, else DefaultMode(). If the classes resolve to more than one
// mode the result is ErrMixedGreenModes. With no classes the mode is
// override or the default.
func ResolveMode(reqs []Requirement, override *Mode) (Mode, error) {
	fallback := DefaultMode()
	if override != nil {
		fallback = *override
	}
	if len(reqs) == 0 {
		return fallback, nil
	}

	byMode := make(map[Mode][]string)
	for _, r := range reqs {
		m := fallback
		if r.Explicit {
			m = r.Mode
		}
		byMode[m] = append(byMode[m], r.Class)
	}

	if len(byMode) == 1 {
		for m := range byMode {
			return m, nil
		}
	}

	parts := make([]string, 0, len(byMode))
	for m, classes := range byMode {
		sort.Strings(classes)
		parts = append(parts, fmt.Sprintf("%s: %s", m, strings.Join(classes, ", ")))
	}
	sort.Strings(parts)
	return fallback, fmt.Errorf("%w in one server process (%s)", ErrMixedGreenModes, strings.Join(parts, "; "))
}
