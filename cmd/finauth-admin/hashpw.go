package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/MrEthical07/finauth"
	"github.com/MrEthical07/finauth/password"
)

func runHashPassword(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	configPath := fs.String("config", "", "finauth config file for argon2 parameters")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := finauth.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	plaintext := strings.TrimRight(line, "\r\n")

	v, err := password.NewVerifier(cfg.Password.Argon2, -1)
	if err != nil {
		return err
	}
	hash, err := v.Hash(plaintext)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hash)
	return nil
}
