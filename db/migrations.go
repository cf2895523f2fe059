// Package db holds the registry's SQL migrations.
package db

import "embed"

// Migrations contains every NNNN_name.up.sql and .down.sql file.
//
//go:embed migrations/*.sql
var Migrations embed.FS
