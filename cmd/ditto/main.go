// Ditto is a multi-tenant LLM API gateway: a single OpenAI-compatible
// surface that authenticates callers by virtual key, enforces per-scope
// rate and budget limits, routes requests across configured backends, and
// dispatches either as a transparent proxy or a translated provider call.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/ditto.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("ditto", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
