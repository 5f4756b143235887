// Package processtest provides a fake backend for tests. The test binary
// re-executes itself as the backend: call RunIfRequested from TestMain and
// launch Spec(mode).
package processtest

import (
	"bufio"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loykin/sidekeeper/internal/process"
)

// EnvMode selects the fake backend behaviour in the child process.
const EnvMode = "SIDEKEEPER_FAKE_BACKEND"

const (
	ModeServe      = "serve"       // /health answers 200
	ModeUnhealthy  = "unhealthy"   // /health answers 503
	ModeSilent     = "silent"      // stays alive without listening
	ModeCrash      = "crash"       // writes output then exits 3
	ModeCrashAfter = "crash-after" // serves for a moment then exits 4
	ModeLongLine   = "long-line"   // one stdout line of LongLineBytes, then LineAfterLong, then exits 0
)

// LongLineBytes is the length of the oversized line ModeLongLine writes.
const LongLineBytes = 2*process.MaxLineBytes + 123

// LineAfterLong is the line ModeLongLine writes after the oversized one.
const LineAfterLong = "after-long-line"

// CrashAfter is how long ModeCrashAfter serves before exiting.
const CrashAfter = 400 * time.Millisecond

// Spec returns a backend spec that runs the current test binary in mode.
func Spec(name, mode string) process.Spec {
	return process.Spec{
		Name:   name,
		Binary: os.Args[0],
		Env:    []string{EnvMode + "=" + mode},
	}
}

// RunIfRequested turns the current process into the fake backend when EnvMode is
// set, and never returns in that case.
func RunIfRequested() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	os.Exit(run(mode, os.Args[1:]))
}

func run(mode string, args []string) int {
	if len(args) == 0 || args[0] != process.ServeCommand {
		fmt.Fprintf(os.Stderr, "fake backend: expected %q, got %v\n", process.ServeCommand, args)
		return 2
	}
	fs := flag.NewFlagSet(process.ServeCommand, flag.ContinueOnError)
	port := fs.Int("port", 0, "listen port")
	if err := fs.Parse(args[1:]); err != nil || *port <= 0 {
		fmt.Fprintln(os.Stderr, "fake backend: --port required")
		return 2
	}
	fmt.Printf("fake backend %s listening on %d\n", mode, *port)
	fmt.Fprintln(os.Stderr, "fake backend stderr line")

	switch mode {
	case ModeCrash:
		return 3
	case ModeLongLine:
		w := bufio.NewWriter(os.Stdout)
		_, _ = w.WriteString(strings.Repeat("x", LongLineBytes) + "\n" + LineAfterLong + "\n")
		_ = w.Flush()
		return 0
	case ModeSilent:
		for {
			time.Sleep(time.Hour)
		}
	}

	code := http.StatusOK
	if mode == ModeUnhealthy {
		code = http.StatusServiceUnavailable
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	})
	if mode == ModeCrashAfter {
		go func() {
			time.Sleep(CrashAfter)
			os.Exit(4)
		}()
	}
	srv := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	err := srv.ListenAndServe()
	fmt.Fprintln(os.Stderr, "fake backend:", err)
	return 1
}
