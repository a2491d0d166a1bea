// Command netmonkey sweeps IPv4 ranges with ICMP echo requests.
package main

import (
	"github.com/anstrom/netmonkey/cmd/cli"
)

// Set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
