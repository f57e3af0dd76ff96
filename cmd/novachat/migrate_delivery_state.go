package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/novachat/pkg/config"
)

type deliveryStateMigrationOptions struct {
	DatabasePath string
	DryRun       bool
}

type requiredColumn struct {
	Table      string
	Name       string
	Definition string
}

// Columns that databases created before presence and delivery tracking lack.
var deliveryStateColumns = []requiredColumn{
	{"users", "display_name", "TEXT"},
	{"users", "avatar_url", "TEXT"},
	{"users", "online", "BOOLEAN NOT NULL DEFAULT FALSE"},
	{"users", "last_seen", "TIMESTAMP"},
	{"users", "last_seen_visibility", "TEXT NOT NULL DEFAULT 'everyone'"},
	{"users", "read_receipts", "BOOLEAN NOT NULL DEFAULT TRUE"},
	{"messages", "media_url", "TEXT"},
	{"messages", "status", "TEXT NOT NULL DEFAULT 'sent'"},
	{"messages", "delivered_at", "TIMESTAMP"},
	{"messages", "read_at", "TIMESTAMP"},
	{"messages", "edited", "BOOLEAN NOT NULL DEFAULT FALSE"},
	{"messages", "edited_at", "TIMESTAMP"},
	{"messages", "deleted_for_everyone", "BOOLEAN NOT NULL DEFAULT FALSE"},
	{"messages", "deleted_at", "TIMESTAMP"},
}

// Rows whose status disagrees with their delivery timestamps.
const inconsistentStatusWhere = `
	status IS NULL
	OR status NOT IN ('sent', 'delivered', 'read')
	OR (read_at IS NOT NULL AND status <> 'read')
	OR (read_at IS NULL AND delivered_at IS NOT NULL AND status = 'sent')
`

type sqliteQueryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func runMigrate(cfg *config.Config, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing migration target (supported: delivery-state)")
	}

	switch args[0] {
	case "delivery-state":
		opts, err := parseDeliveryStateMigrationArgs(cfg, args[1:])
		if err != nil {
			return err
		}
		return runDeliveryStateMigration(out, opts)
	default:
		return fmt.Errorf("unknown migration target: %s", args[0])
	}
}

func parseDeliveryStateMigrationArgs(cfg *config.Config, args []string) (deliveryStateMigrationOptions, error) {
	opts := deliveryStateMigrationOptions{DatabasePath: cfg.DatabasePath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		default:
			return opts, fmt.Errorf("unknown migration flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

func runDeliveryStateMigration(out io.Writer, opts deliveryStateMigrationOptions) error {
	dbConn, err := sql.Open("sqlite3", opts.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()
	// BEGIN/COMMIT are issued as statements and must stay on one connection.
	dbConn.SetMaxOpenConns(1)

	if err := dbConn.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := dbConn.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to start migration transaction: %w", err)
	}
	inTx := true
	defer func() {
		if inTx {
			_, _ = dbConn.Exec("ROLLBACK")
		}
	}()

	missing, err := missingDeliveryStateColumns(dbConn)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}

	inconsistent, err := countInconsistentStatuses(dbConn)
	if err != nil {
		return err
	}

	if len(missing) == 0 && inconsistent == 0 {
		if _, err := dbConn.Exec("COMMIT"); err != nil {
			return fmt.Errorf("failed to finish migration transaction: %w", err)
		}
		inTx = false
		fmt.Fprintln(out, "Delivery state migration: already migrated.")
		return nil
	}

	if opts.DryRun {
		fmt.Fprintf(out, "Dry-run successful. Database: %s\n", opts.DatabasePath)
		fmt.Fprintf(out, "Would add %d columns (%s).\n", len(missing), describeColumns(missing))
		if inconsistent > 0 {
			fmt.Fprintf(out, "Would repair status on %d messages.\n", inconsistent)
		} else {
			fmt.Fprintln(out, "Would derive message status from delivered_at/read_at.")
		}
		if _, err := dbConn.Exec("ROLLBACK"); err != nil {
			return fmt.Errorf("failed to finish dry-run rollback: %w", err)
		}
		inTx = false
		return nil
	}

	if err := addDeliveryStateColumns(dbConn, missing); err != nil {
		return err
	}

	repaired, err := backfillMessageStatus(dbConn)
	if err != nil {
		return err
	}

	if err := validateDeliveryStateMigration(dbConn); err != nil {
		return err
	}

	if _, err := dbConn.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	inTx = false

	fmt.Fprintf(out, "Migration completed. Database: %s\n", opts.DatabasePath)
	fmt.Fprintf(out, "Added %d columns and repaired status on %d messages.\n", len(missing), repaired)
	return nil
}

// ensureDeliveryStateMigrated refuses to start on a SQLite database that
// still has the old message and user layout.
func ensureDeliveryStateMigrated(databasePath string) error {
	if _, err := os.Stat(databasePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to access database path: %w", err)
	}

	dbConn, err := sql.Open("sqlite3", databasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	missing, err := missingDeliveryStateColumns(dbConn)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("legacy schema detected (missing %s). Run `novachat migrate delivery-state --database %s` before starting server", describeColumns(missing), databasePath)
	}

	return nil
}

func tableColumns(q sqliteQueryer, table string) (map[string]bool, error) {
	rows, err := q.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name string
		var columnType string
		var notNull int
		var defaultValue any
		var pk int
		if err := rows.Scan(&cid, &name, &columnType, &notNull, &defaultValue, &pk); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return columns, nil
}

// missingDeliveryStateColumns lists required columns absent from existing
// tables. Tables that do not exist yet are created by the server's schema.
func missingDeliveryStateColumns(q sqliteQueryer) ([]requiredColumn, error) {
	existing := make(map[string]map[string]bool)
	var missing []requiredColumn

	for _, col := range deliveryStateColumns {
		columns, ok := existing[col.Table]
		if !ok {
			var err error
			if columns, err = tableColumns(q, col.Table); err != nil {
				return nil, err
			}
			existing[col.Table] = columns
		}
		if len(columns) == 0 {
			continue
		}
		if !columns[col.Name] {
			missing = append(missing, col)
		}
	}
	return missing, nil
}

func describeColumns(cols []requiredColumn) string {
	if len(cols) == 0 {
		return "none"
	}
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Table + "." + col.Name
	}
	return strings.Join(names, ", ")
}

func addDeliveryStateColumns(dbConn *sql.DB, missing []requiredColumn) error {
	for _, col := range missing {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.Table, col.Name, col.Definition)
		if _, err := dbConn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", col.Table, col.Name, err)
		}
	}
	return nil
}

// countInconsistentStatuses reports zero when messages lacks the columns
// the check reads; adding them is the migration's first step.
func countInconsistentStatuses(dbConn *sql.DB) (int, error) {
	columns, err := tableColumns(dbConn, "messages")
	if err != nil {
		return 0, fmt.Errorf("failed to inspect messages: %w", err)
	}
	if !columns["status"] || !columns["delivered_at"] || !columns["read_at"] {
		return 0, nil
	}

	var count int
	if err := dbConn.QueryRow("SELECT COUNT(*) FROM messages WHERE " + inconsistentStatusWhere).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count inconsistent statuses: %w", err)
	}
	return count, nil
}

func backfillMessageStatus(dbConn *sql.DB) (int64, error) {
	columns, err := tableColumns(dbConn, "messages")
	if err != nil {
		return 0, fmt.Errorf("failed to inspect messages: %w", err)
	}
	if len(columns) == 0 {
		return 0, nil
	}

	res, err := dbConn.Exec(`
		UPDATE messages
		SET status = CASE
			WHEN read_at IS NOT NULL THEN 'read'
			WHEN delivered_at IS NOT NULL THEN 'delivered'
			ELSE 'sent'
		END
		WHERE ` + inconsistentStatusWhere)
	if err != nil {
		return 0, fmt.Errorf("failed to backfill message status: %w", err)
	}
	return res.RowsAffected()
}

func validateDeliveryStateMigration(dbConn *sql.DB) error {
	missing, err := missingDeliveryStateColumns(dbConn)
	if err != nil {
		return fmt.Errorf("failed to validate schema: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("columns still missing after migration: %s", describeColumns(missing))
	}

	inconsistent, err := countInconsistentStatuses(dbConn)
	if err != nil {
		return err
	}
	if inconsistent > 0 {
		return fmt.Errorf("%d messages still have an inconsistent status after migration", inconsistent)
	}

	return nil
}
