// Command finauth-admin provisions key material and device models for
// finauth and serves operational endpoints for a running engine.
package main

import (
	"fmt"
	"os"
)

const usage = `usage: finauth-admin <command> [flags]

commands:
  keygen               create the RS256 signing key pair
  train-device-model   fit the device anomaly model from fingerprint samples
  hash-password        hash a password read from stdin
  serve                run /metrics, /healthz and /events/recent
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(args, os.Stdout)
	case "train-device-model":
		err = runTrain(args, os.Stdout)
	case "hash-password":
		err = runHashPassword(args, os.Stdin, os.Stdout)
	case "serve":
		err = runServe(args)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}
