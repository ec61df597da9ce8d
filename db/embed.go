// Package db embeds the database migrations and seed data.
package db

import "embed"

// Migrations holds the golang-migrate files under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Seed holds the default catalog used by seed-db and the in-memory store.
//
//go:embed seed/catalog.json
var Seed []byte
