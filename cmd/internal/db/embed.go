// Package db owns the relational schema for remotedesk.
package db

import "embed"

// MigrationFS embeds the versioned SQL migrations applied by cmd/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS

// Schema is the schema the migrations create.
const Schema = "remotedesk"
