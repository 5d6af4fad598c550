// Command encrypt-secret encrypts a broker password for use with the
// tradovate.encrypted_password_path config option. The secret is read from
// stdin so it never appears in shell history.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/openfutures/recorderbot/internal/crypto"
)

func main() {
	out := flag.String("out", "password.enc", "output file for the encrypted secret")
	flag.Parse()

	fmt.Fprint(os.Stderr, "secret: ")
	reader := bufio.NewReader(os.Stdin)
	secret, err := reader.ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "read secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprint(os.Stderr, "password: ")
	password, err := reader.ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "read password: %v\n", err)
		os.Exit(1)
	}

	blob, err := crypto.EncryptSecret(strings.TrimRight(secret, "\r\n"), strings.TrimRight(password, "\r\n"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", *out)
}
