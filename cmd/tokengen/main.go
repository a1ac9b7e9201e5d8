// Package main mints bearer tokens for exercising per-user and per-role
// budgets locally. Tokens are signed with JWT_SIGNING_KEY, or a dev key when
// it is unset, and will NOT work against a production deployment.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"bulwark/internal/abuse/models"
	"bulwark/pkg/platform/middleware/auth"
)

const (
	devSigningKey   = "dev-secret-key-change-in-production"
	defaultTokenTTL = 15 * time.Minute
)

type tokenOutput struct {
	Token      string  `json:"token"`
	UserID     string  `json:"user_id"`
	Role       string  `json:"role,omitempty"`
	Multiplier float64 `json:"budget_multiplier"`
	ExpiresIn  string  `json:"expires_in"`
}

func main() {
	userID := flag.String("user-id", "", "User ID. A UUID is generated if empty.")
	role := flag.String("role", "", "Role claim (ADMIN, MANAGER or empty)")
	issuer := flag.String("issuer", os.Getenv("JWT_ISSUER"), "Issuer claim")
	ttl := flag.Duration("ttl", defaultTokenTTL, "Token time-to-live")
	jsonOutput := flag.Bool("json", false, "Output as JSON")
	flag.Parse()

	key := os.Getenv("JWT_SIGNING_KEY")
	if key == "" {
		key = devSigningKey
	}
	uid := *userID
	if uid == "" {
		uid = uuid.NewString()
	}
	r := strings.ToUpper(strings.TrimSpace(*role))

	token, err := auth.NewHS256Validator(key, *issuer).Sign(uid, r, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	out := tokenOutput{
		Token:      token,
		UserID:     uid,
		Role:       r,
		Multiplier: models.RoleMultiplier(r),
		ExpiresIn:  ttl.String(),
	}
	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
			os.Exit(1)
		}
		return
	}
	fmt.Printf("User ID:     %s\n", out.UserID)
	if out.Role != "" {
		fmt.Printf("Role:        %s (budget x%g)\n", out.Role, out.Multiplier)
	}
	fmt.Printf("Expires In:  %s\n", out.ExpiresIn)
	fmt.Println()
	fmt.Println(token)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  curl -H \"Authorization: Bearer <token>\" http://localhost:8080/api/...")
}
