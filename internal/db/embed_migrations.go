package db

import "embed"

// MigrationFS embeds the schema for login_attempts and user_sessions.
// Applied by cmd/migrate and by the repository integration tests.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
