// Command gateway is an alias entry point for the same combined
// gateway+orchestrator+dashboard process as cmd/orchestrator — see
// internal/serverproc for why the two roles share one binary.
package main

import "github.com/yungbote/devpipe/internal/serverproc"

func main() {
	serverproc.MustRun()
}
