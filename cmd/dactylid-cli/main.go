package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cli, err := NewCLIWithDefaults()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cli.Close()

	switch os.Args[1] {
	case "enroll":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: dactylid-cli enroll <capture.json> [address]")
			os.Exit(1)
		}
		address := ""
		if len(os.Args) > 3 {
			address = os.Args[3]
		}
		err = cli.Enroll(os.Args[2], address)
	case "verify":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: dactylid-cli verify <capture.json> <did>")
			os.Exit(1)
		}
		err = cli.Verify(os.Args[2], os.Args[3])
	case "resolve":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: dactylid-cli resolve <did>")
			os.Exit(1)
		}
		err = cli.Resolve(os.Args[2])
	case "add-controller":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "Usage: dactylid-cli add-controller <capture.json> <did> <address>")
			os.Exit(1)
		}
		err = cli.AddController(os.Args[2], os.Args[3], os.Args[4])
	case "revoke":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: dactylid-cli revoke <capture.json> <did>")
			os.Exit(1)
		}
		err = cli.Revoke(os.Args[2], os.Args[3])
	case "wallet":
		err = cli.Wallet(os.Args[2:])
	case "helper":
		err = cli.Helper(os.Args[2:])
	case "status":
		err = cli.Status()
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
