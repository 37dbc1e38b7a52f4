package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Set through -ldflags "-X main.Version=...".
var (
	Version     = "<unknown>"
	BuildDate   = "<unknown>"
	BuildNumber = "<unknown>"
	BuildCommit = "<unknown>"
)

type buildInfo struct {
	Version string
	Date    string
	Number  string
	Commit  string
}

// currentBuild falls back to the VCS revision the go tool stamped when the
// linker flags were not set.
func currentBuild() buildInfo {
	b := buildInfo{Version: Version, Date: BuildDate, Number: BuildNumber, Commit: BuildCommit}
	if b.Commit != "<unknown>" {
		return b
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				b.Commit = setting.Value
			}
		}
	}
	return b
}

func (b buildInfo) MarshalZerologObject(e *zerolog.Event) {
	e.Str("version", b.Version).Str("commit", b.Commit)
}

func (b buildInfo) write(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 1, ' ', 0)
	rows := [][2]string{
		{"Version:", b.Version},
		{"Build date:", b.Date},
		{"Build number:", b.Number},
		{"Commit:", b.Commit},
		{"Go:", fmt.Sprintf("%s %s/%s (%s)", runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.Compiler)},
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}
	return w.Flush()
}

// logPanic turns a panic in main into a logged error and a failing exit code.
func logPanic() {
	r := recover()
	if r == nil {
		return
	}

	err, ok := r.(error)
	if !ok {
		err = errors.Errorf("%v", r)
	}
	log.Error().Err(err).Object("build", currentBuild()).Bytes("stack", debug.Stack()).Msg("cardreader-settings panicked")
	os.Exit(2)
}
