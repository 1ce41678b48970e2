package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/odyssey-erp/banf/internal/platform/db"
)

// Migrator is implemented by *db.Migrator.
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Status(ctx context.Context) ([]db.MigrationState, error)
}

// MigrateCommand runs one migration action and returns the exit code.
func MigrateCommand(ctx context.Context, m Migrator, action string, stdout, stderr io.Writer) int {
	var err error
	switch action {
	case "", "up":
		err = m.Up(ctx)
	case "down":
		err = m.Down(ctx)
	case "status":
		var states []db.MigrationState
		states, err = m.Status(ctx)
		for _, st := range states {
			state := "pending"
			if st.Applied {
				state = "applied"
			}
			_, _ = fmt.Fprintf(stdout, "%05d %-8s %s\n", st.Version, state, st.Path)
		}
	default:
		_, _ = fmt.Fprintf(stderr, "migrate: unknown action %q (up, down, status)\n", action)
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "migrate:", err)
		return 1
	}
	return 0
}
