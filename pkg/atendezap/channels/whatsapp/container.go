package whatsapp

import (
	"context"
	"database/sql"
	"fmt"

	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// NewContainer wraps the shared application database as a whatsmeow
// device store. Session tables (whatsmeow_*) live alongside the rest of
// the data, so one backup covers everything.
func NewContainer(ctx context.Context, db *sql.DB) (*sqlstore.Container, error) {
	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Noop)
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrading whatsmeow session store: %w", err)
	}
	return container, nil
}
