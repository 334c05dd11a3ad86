// Command apikey issues an API key directly into the database. Use it to
// create the first admin key; later keys can go through POST /v1/auth/keys.
//
// Usage:
//
//	go run ./cmd/apikey -user usr_admin -role ADMIN -name ops
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/cardescrow/internal/auth"
	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/mbd888/cardescrow/internal/logging"
)

func main() {
	userID := flag.String("user", "", "user ID the key acts as")
	role := flag.String("role", string(escrow.RoleUser), "USER, MERCHANT or ADMIN")
	name := flag.String("name", "cli", "label shown in key listings")
	ttl := flag.Duration("ttl", 0, "key lifetime, 0 for no expiry")
	flag.Parse()

	if *userID == "" {
		flag.Usage()
		os.Exit(2)
	}
	r := escrow.Role(*role)

	_ = godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mgr := auth.NewManager(auth.NewPostgresStore(db), logging.New("warn", "text"))
	raw, key, err := mgr.GenerateKey(ctx, *userID, r, *name, *ttl)
	if err != nil {
		log.Fatalf("Failed to create key: %v", err)
	}

	fmt.Printf("id:   %s\nuser: %s\nrole: %s\nkey:  %s\n", key.ID, key.UserID, key.Role, raw)
	fmt.Println("The key is shown once. Store it now.")
}
