package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Prints a random secret suitable for DEV_JWT_SECRET.
func main() {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}

	fmt.Printf("DEV_JWT_SECRET=%s\n", base64.RawURLEncoding.EncodeToString(secret))
}
