// eblitproc-worker hosts one emulator core in an isolated process. It
// is not meant to be run by hand: a controller.Session spawns it,
// drives it over stdin/stdout, and consumes its output through the
// shared-memory transport. Native core output goes to stderr.
package main

import (
	"log"
	"os"

	"github.com/user-none/eblitproc/core"
	"github.com/user-none/eblitproc/worker"
)

func main() {
	s := worker.New(core.NewLibretroBinding(), os.Stdin, os.Stdout, os.Stderr)
	if err := s.Run(); err != nil {
		log.Printf("worker: %v", err)
		os.Exit(1)
	}
}
