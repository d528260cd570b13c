// alvrserver is the network core of the ALVR-style streaming host: the UDP
// session/transport layer spec.md describes, run as a standalone process for
// manual testing and integration against an external encoder/pose supervisor.
package main

import (
	"os"

	"alvr-server/cmd/alvrserver/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
