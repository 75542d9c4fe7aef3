// Package kdebug carries forward the teacher's lprintf-guarded-by-a-flag
// diagnostics idiom (biscuit's caller.Callerdump plus its package-level
// debug switches), in place of a generic structured-logging library: the
// kernel core has exactly two things worth dumping — "why did this
// thread just die" and "what does this fault look like" — and both are
// naturally expressed as an occasional stack dump, not a log stream.
package kdebug

import (
	"fmt"
	"os"
	"runtime"
	"sync"
)

// Verbose gates Printf/Dumpf. Off by default, the way biscuit's debug
// flags default to quiet boot.
var Verbose bool

var mu sync.Mutex

// Printf writes a diagnostic line to stderr iff Verbose is set.
func Printf(format string, args ...any) {
	if !Verbose {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, format, args...)
}

// Dumpf writes a diagnostic line followed by the caller's stack, the
// Go port of Callerdump(start) — used on the "no swexn handler
// installed, killing thread" path so a verbose test run shows why.
func Dumpf(start int, format string, args ...any) {
	if !Verbose {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, format, args...)
	i := start
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		fmt.Fprintf(os.Stderr, "\t<-%s:%d\n", f, l)
	}
}
