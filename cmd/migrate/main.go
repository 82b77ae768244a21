// migrate applies the embedded remotedesk schema migrations.
//
//	migrate --direction up
//	migrate --version
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"remotedesk/cmd/internal/db"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		direction   string
		dsn         string
		showVersion bool
	)

	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	flags.StringVarP(&direction, "direction", "d", "up", "migration direction: up or down")
	flags.StringVar(&dsn, "database-url", os.Getenv("REMOTEDESK_DATABASE_URL"), "Postgres URL (default $REMOTEDESK_DATABASE_URL)")
	flags.BoolVar(&showVersion, "version", false, "print the applied schema version and exit")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		v, dirty, err := db.Version(dsn)
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", v, dirty)
		return nil
	}

	dir, err := db.ParseDirection(direction)
	if err != nil {
		return err
	}
	return db.Migrate(dsn, dir)
}
