// mktoken mints a signed API token for local testing and support work.
// Uses the same API_SECRET the server validates against.
//
// Usage:
//   API_SECRET=... go run ./cmd/mktoken --business-id <uuid> --user-id 1 --name "Dev User"
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/recon_backend/utils"
)

func main() {
	userID := flag.Int("user-id", 1, "User id placed in the token claim")
	businessID := flag.String("business-id", "", "Required: business id the token is scoped to")
	name := flag.String("name", "Dev User", "User name placed in the token claim")
	role := flag.String("role", "user", "Role claim (user or admin)")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	if os.Getenv("TOKEN_HOUR_LIFESPAN") == "" {
		os.Setenv("TOKEN_HOUR_LIFESPAN", "24")
	}

	token, err := utils.JwtGenerate(*userID, *businessID, *name, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
