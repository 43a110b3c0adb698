// Command token prints a signed token pair for local testing.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"

	"attendiq/internal/auth"
	"attendiq/internal/config"
	"attendiq/internal/model"
)

func main() {
	subject := flag.String("sub", "", "user id to embed as the token subject")
	role := flag.String("role", string(model.RoleStudent), "STUDENT, TEACHER or ADMIN")
	flag.Parse()

	if *subject == "" {
		flag.Usage()
		os.Exit(2)
	}

	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	issuer := auth.Issuer{
		Name:       cfg.JWTIssuer,
		Key:        []byte(cfg.JWTSigningKey),
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	}
	pair, err := issuer.Issue(*subject, model.Role(strings.ToUpper(*role)))
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(pair); err != nil {
		log.Fatalf("encode: %v", err)
	}
}
