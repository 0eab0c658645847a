// govern-check walks a tenant's audit chain and reports the first broken
// link, if any. Exits non-zero when the chain fails verification so it can
// gate deploys and run from cron.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/agentmesh/govern/internal/ledger"
)

func main() {
	dsn := flag.String("db", os.Getenv("DATABASE_URL"), "Postgres connection string")
	tenant := flag.String("tenant", "", "tenant whose chain to verify (required)")
	flag.Parse()

	if *tenant == "" {
		fmt.Fprintln(os.Stderr, "govern-check: -tenant is required")
		os.Exit(2)
	}
	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "govern-check: -db or DATABASE_URL is required")
		os.Exit(2)
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "govern-check: open database: %v\n", err)
		os.Exit(2)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "govern-check: database unreachable: %v\n", err)
		os.Exit(2)
	}

	audit := ledger.New(ledger.NewPostgresStore(db))
	ok, bad, err := audit.Verify(*tenant)
	if err != nil {
		fmt.Fprintf(os.Stderr, "govern-check: verify failed: %v\n", err)
		os.Exit(2)
	}
	if !ok {
		fmt.Printf("chain BROKEN for tenant %s\n", *tenant)
		fmt.Printf("  first invalid entry: seq=%d entry_id=%s request_id=%s verdict=%s\n",
			bad.Seq, bad.EntryID, bad.RequestID, bad.VerdictClass)
		fmt.Printf("  recorded_at=%s block_hash=%s\n", bad.RecordedAt, bad.BlockHash)
		os.Exit(1)
	}
	fmt.Printf("chain OK for tenant %s\n", *tenant)
}
