// devtoken mints an operator token for the ops API, for local development
// and smoke tests.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/aisarahjmlh/viletorder/platform/go/auth"
)

func main() {
	signingKey := flag.String("signing-key", os.Getenv("JWT_SIGNING_KEY"), "HS256 signing key (defaults to JWT_SIGNING_KEY)")
	subject := flag.String("subject", "operator", "sub claim")
	flag.Parse()

	key := strings.TrimSpace(*signingKey)
	if key == "" {
		fmt.Fprintln(os.Stderr, "error: signing key is required")
		os.Exit(1)
	}

	token, err := auth.NewToken([]byte(key), strings.TrimSpace(*subject))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
