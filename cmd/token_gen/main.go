package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/technosupport/ts-license/internal/tokens"
)

// Issues operator bearer tokens for the admin surface.
func main() {
	operator := flag.String("operator", "ops", "operator id (sub claim)")
	role := flag.String("role", "admin", "operator role")
	flag.Parse()

	key := os.Getenv("LICENSE_JWT_SIGNING_KEY")
	if key == "" {
		key = "dev-secret-do-not-use-in-prod"
		log.Println("Warning: using development JWT signing key")
	}

	token, err := tokens.NewManager(key).GenerateAccessToken(*operator, *role)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Println(token)
}
