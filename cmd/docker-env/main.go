// Package main is the entry point for the docker-env binary.
//
// docker-env keeps ssh port forwards to remote docker-env instances alive.
// It looks instances up in the directory service, opens a control tunnel to
// each instance's ssh port and one tunnel per advertised service port, and
// reconciles that set in the background until interrupted.
//
// Usage:
//
//	docker-env list             # list your instances
//	docker-env connect box      # forward box's ports until Ctrl-C
//	docker-env ssh box          # interactive shell through the control tunnel
//	docker-env shell            # prompt that keeps connections open
//
// The command tree is built in internal/cli.
package main

import (
	"os"

	"github.com/treykane/docker-env/internal/cli"
)

func main() {
	os.Exit(cli.Execute(cli.NewRootCommand()))
}
