package main

import (
	"fmt"
	"os"

	"github.com/devlink/pairing-broker/internal/util"
)

// Prints a random hex secret suitable for SESSION_SECRET or API_SECRET.
func main() {
	secret, err := util.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(secret)
}
