// Command keygen generates a client API key and optionally inserts it
// into the gateway's SQLite store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/nvelloso/apigate/internal/domain"
	"github.com/nvelloso/apigate/internal/store/sqldb"
)

func main() {
	name := flag.String("name", "", "friendly label for the key (e.g. client name)")
	dbPath := flag.String("db", "", "SQLite database path; when set, the key is inserted directly")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "Usage: keygen -name <client-name> [-db <path>]")
		os.Exit(1)
	}

	key := strings.ReplaceAll(uuid.New().String(), "-", "")

	if *dbPath != "" {
		db, err := sqldb.NewSQLite(*dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		cred := &domain.Credential{Key: key, Name: *name, Active: true}
		if err := db.CreateCredential(context.Background(), cred); err != nil {
			fmt.Fprintf(os.Stderr, "create credential: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created credential %q\n", *name)
	}

	fmt.Printf("API Key: %s\n", key)
	fmt.Println("\nClients send it as:")
	fmt.Printf("  X-API-KEY: %s\n", key)
}
