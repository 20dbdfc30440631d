// Command opsrunbookd runs the incident-response pipeline: the HTTP
// ingress server by default, or the CouchDB audit consumer via the
// "consume" subcommand.
package main

import (
	"log"

	"github.com/rajawajahat/opsrunbook-copilot/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
