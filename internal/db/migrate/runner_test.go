package migrate

import (
	"io/fs"
	"os"
	"strings"
	"testing"

	"careerpilot/backend/internal/db"
)

func TestRun_EmptyDSN(t *testing.T) {
	err := Run("", "up")
	if err == nil {
		t.Fatal("Run with empty DSN should return error")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL is not set") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, direction := range []string{"", "invalid", "UP", "Up", "sideways"} {
		t.Run(direction, func(t *testing.T) {
			err := Run("postgres://localhost/test", direction)
			if err == nil {
				t.Fatalf("Run with direction %q should return error", direction)
			}
			if !strings.Contains(err.Error(), "direction must be up or down") {
				t.Errorf("error = %q", err.Error())
			}
		})
	}
}

func TestVersion_EmptyDSN(t *testing.T) {
	if _, _, err := Version(""); err == nil {
		t.Fatal("Version with empty DSN should return error")
	}
}

func TestMigrationFS_PairsUpAndDown(t *testing.T) {
	entries, err := fs.ReadDir(db.MigrationFS, "migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected file %q", name)
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for base := range ups {
		if !downs[base] {
			t.Errorf("migration %s has no down file", base)
		}
	}
	for base := range downs {
		if !ups[base] {
			t.Errorf("migration %s has no up file", base)
		}
	}
}

func TestMigrationFS_Columns(t *testing.T) {
	tests := []struct {
		file    string
		columns []string
	}{
		{"000001_create_login_attempts.up.sql", []string{"id", "email", "user_id", "ip_address", "success", "failure_reason", "attempted_at"}},
		{"000002_create_user_sessions.up.sql", []string{"id", "user_id", "access_token_hash", "refresh_token_hash", "ip_address", "user_agent", "is_active", "expires_at", "created_at", "last_activity_at"}},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			raw, err := fs.ReadFile(db.MigrationFS, "migrations/"+tt.file)
			if err != nil {
				t.Fatalf("read %s: %v", tt.file, err)
			}
			got := map[string]bool{}
			for _, line := range strings.Split(string(raw), "\n") {
				f := strings.Fields(line)
				if len(f) >= 2 && strings.ToUpper(f[1]) == f[1] && !strings.HasPrefix(f[0], "CREATE") && f[0] != ");" {
					got[f[0]] = true
				}
			}
			for _, c := range tt.columns {
				if !got[c] {
					t.Errorf("column %q missing from %s", c, tt.file)
				}
			}
			if len(got) != len(tt.columns) {
				t.Errorf("columns = %v, want %v", got, tt.columns)
			}
		})
	}
}

func TestRun_UpIsIdempotent(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	for i := 0; i < 2; i++ {
		if err := Run(dsn, "up"); err != nil {
			t.Fatalf("up #%d: %v", i+1, err)
		}
	}
	v, dirty, err := Version(dsn)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if dirty || v < 2 {
		t.Errorf("Version = %d dirty=%v, want >= 2 clean", v, dirty)
	}
}
