// Command orchestrator runs the combined gateway+orchestrator+dashboard
// process (components C6/C7/C8) — see internal/serverproc for the wiring.
package main

import "github.com/yungbote/devpipe/internal/serverproc"

func main() {
	serverproc.MustRun()
}
