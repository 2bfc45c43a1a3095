// Package logs sets up the run's file logger: plain stdlib log redirected
// to a file instead of stderr, so a run's progress doesn't interleave
// with command output on the terminal.
package logs

import (
	"log"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
)

var Output *os.File

// defaultLogDir is used whenever InitializeFileLogger is given an empty
// directory.
const defaultLogDir = "~/.emsqrt"

// InitializeFileLogger redirects the standard logger to logs.txt under dir,
// creating dir if needed. An empty dir falls back to defaultLogDir.
func InitializeFileLogger(dir string) {
	if dir == "" {
		dir = defaultLogDir
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		log.Fatalf("couldn't expand log directory %q: %s", dir, err)
	}
	if err := os.MkdirAll(expanded, 0755); err != nil {
		log.Fatalf("couldn't create log directory %q: %s", expanded, err)
	}

	f, err := os.Create(filepath.Join(expanded, "logs.txt"))
	if err != nil {
		log.Fatalf("couldn't create logs file: %s", err)
	}
	Output = f
	log.SetOutput(Output)
}

func CloseLogger() {
	if Output != nil {
		Output.Close()
	}
}
