package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/MrEthical07/finauth/jwt"
)

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	var (
		privatePath = fs.String("private", "keys/jwt_private.pem", "private key path")
		publicPath  = fs.String("public", "keys/jwt_public.pem", "public key path")
		bits        = fs.Int("bits", jwt.DefaultRSABits, "rsa modulus size")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	pair, err := jwt.LoadOrGenerateRSA(*privatePath, *publicPath, *bits)
	if err != nil {
		return err
	}
	if pair.Generated {
		fmt.Fprintf(out, "generated %s and %s\n", *privatePath, *publicPath)
	} else {
		fmt.Fprintf(out, "existing key pair at %s is valid\n", *privatePath)
	}
	return nil
}
