package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/eldtechnologies/relay/internal/identity"
)

func main() {
	name := flag.String("name", "", "Identity to put in the token")
	secret := flag.String("secret", "", "HS256 secret (default: $DEV_JWT_SECRET)")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	if *secret == "" {
		*secret = os.Getenv("DEV_JWT_SECRET")
	}

	if *name == "" || *secret == "" {
		fmt.Fprintln(os.Stderr, "Usage: token -name <identity> [-secret <secret>] [-ttl 24h]")
		fmt.Fprintln(os.Stderr, "  Reads the secret from DEV_JWT_SECRET if -secret not specified")
		os.Exit(1)
	}

	token, err := identity.IssueDevToken([]byte(*secret), *name, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
