package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/4xmen/novachat/internal/db"
	"github.com/4xmen/novachat/pkg/config"
)

type appStatus struct {
	GeneratedAt       time.Time
	Environment       string
	Port              string
	DatabaseDriver    string
	DatabasePath      string
	Users             int64
	OnlineUsers       int64
	Messages          int64
	SentMessages      int64
	DeliveredMessages int64
	ReadMessages      int64
	DeletedMessages   int64
	MessagesLast24h   int64
	LatestMessageAt   string
	Contacts          int64
	Blocks            int64
	PushSubscriptions int64
	DBSize            int64
	DBWALSize         int64
	DBSHMSize         int64
	DBMetricsReady    bool
	DBWarning         string
	StorageWarnings   []string
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	opts := statusOptions{}
	for _, arg := range args {
		switch arg {
		case "--json", "-j":
			opts.JSON = true
		default:
			return opts, fmt.Errorf("unknown status flag: %s", arg)
		}
	}
	return opts, nil
}

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	status := collectStatus(cfg)
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

type countQuery struct {
	dest  *int64
	query string
	args  []any
}

func collectStatus(cfg *config.Config) appStatus {
	status := appStatus{
		GeneratedAt:    time.Now(),
		Environment:    cfg.Environment,
		Port:           cfg.Port,
		DatabaseDriver: cfg.DatabaseDriver,
		DatabasePath:   cfg.DatabasePath,
	}

	sqlite := cfg.DatabaseDriver == "" || cfg.DatabaseDriver == db.DriverSQLite
	if sqlite {
		if size, err := fileSize(cfg.DatabasePath); err == nil {
			status.DBSize = size
		} else {
			status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("database file: %v", err))
		}
		if size, err := fileSize(cfg.DatabasePath + "-wal"); err == nil {
			status.DBWALSize = size
		}
		if size, err := fileSize(cfg.DatabasePath + "-shm"); err == nil {
			status.DBSHMSize = size
		}

		// Opening would create an empty database; report it missing instead.
		if _, err := os.Stat(cfg.DatabasePath); err != nil {
			status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
			return status
		}
	}

	database, err := db.Open(cfg.DatabaseDriver, cfg.DatabasePath)
	if err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queries := []countQuery{
		{&status.Users, "SELECT COUNT(*) FROM users", nil},
		{&status.OnlineUsers, "SELECT COUNT(*) FROM users WHERE online = TRUE", nil},
		{&status.Messages, "SELECT COUNT(*) FROM messages", nil},
		{&status.SentMessages, "SELECT COUNT(*) FROM messages WHERE status = 'sent'", nil},
		{&status.DeliveredMessages, "SELECT COUNT(*) FROM messages WHERE status = 'delivered'", nil},
		{&status.ReadMessages, "SELECT COUNT(*) FROM messages WHERE status = 'read'", nil},
		{&status.DeletedMessages, "SELECT COUNT(*) FROM messages WHERE deleted_for_everyone = TRUE", nil},
		{&status.MessagesLast24h, "SELECT COUNT(*) FROM messages WHERE created_at >= ?", []any{time.Now().UTC().Add(-24 * time.Hour)}},
		{&status.Contacts, "SELECT COUNT(*) FROM contacts", nil},
		{&status.Blocks, "SELECT COUNT(*) FROM blocks", nil},
		{&status.PushSubscriptions, "SELECT COUNT(*) FROM push_subscriptions WHERE revoked_at IS NULL", nil},
	}
	for _, q := range queries {
		if err := database.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
			return status
		}
	}

	var latest sql.NullString
	if err := database.QueryRowContext(ctx, "SELECT MAX(created_at) FROM messages").Scan(&latest); err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}
	status.LatestMessageAt = latest.String

	status.DBMetricsReady = true
	return status
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTimestamp(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}

func printStatus(out io.Writer, status appStatus) {
	totalDB := status.DBSize + status.DBWALSize + status.DBSHMSize

	fmt.Fprintln(out, "NovaChat Status")
	fmt.Fprintf(out, "Generated at: %s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Environment : %s\n", status.Environment)
	fmt.Fprintf(out, "Port        : %s\n", status.Port)
	fmt.Fprintf(out, "Driver      : %s\n", status.DatabaseDriver)
	fmt.Fprintf(out, "Database    : %s\n", status.DatabasePath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Data")
	if status.DBMetricsReady {
		fmt.Fprintf(out, "  Users              : %d\n", status.Users)
		fmt.Fprintf(out, "  Online users       : %d\n", status.OnlineUsers)
		fmt.Fprintf(out, "  Messages           : %d\n", status.Messages)
		fmt.Fprintf(out, "    sent             : %d\n", status.SentMessages)
		fmt.Fprintf(out, "    delivered        : %d\n", status.DeliveredMessages)
		fmt.Fprintf(out, "    read             : %d\n", status.ReadMessages)
		fmt.Fprintf(out, "  Deleted for all    : %d\n", status.DeletedMessages)
		fmt.Fprintf(out, "  Messages last 24h  : %d\n", status.MessagesLast24h)
		fmt.Fprintf(out, "  Latest message at  : %s\n", formatTimestamp(status.LatestMessageAt))
		fmt.Fprintf(out, "  Contacts           : %d\n", status.Contacts)
		fmt.Fprintf(out, "  Blocks             : %d\n", status.Blocks)
		fmt.Fprintf(out, "  Push subscriptions : %d\n", status.PushSubscriptions)
	} else {
		fmt.Fprintln(out, "  Database metrics   : n/a")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage")
	fmt.Fprintf(out, "  DB file       : %s\n", formatBytes(status.DBSize))
	fmt.Fprintf(out, "  DB WAL file   : %s\n", formatBytes(status.DBWALSize))
	fmt.Fprintf(out, "  DB SHM file   : %s\n", formatBytes(status.DBSHMSize))
	fmt.Fprintf(out, "  DB footprint  : %s\n", formatBytes(totalDB))

	if status.DBWarning != "" {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Warning: %s\n", status.DBWarning)
	}

	if len(status.StorageWarnings) > 0 {
		fmt.Fprintln(out)
		for _, warning := range status.StorageWarnings {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		}
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	payload := map[string]any{
		"generated_at":    status.GeneratedAt.Format(time.RFC3339),
		"environment":     status.Environment,
		"port":            status.Port,
		"database_driver": status.DatabaseDriver,
		"database_path":   status.DatabasePath,
		"metrics_ready":   status.DBMetricsReady,
		"metrics": map[string]any{
			"users":              status.Users,
			"online_users":       status.OnlineUsers,
			"messages":           status.Messages,
			"sent_messages":      status.SentMessages,
			"delivered_messages": status.DeliveredMessages,
			"read_messages":      status.ReadMessages,
			"deleted_messages":   status.DeletedMessages,
			"messages_last_24h":  status.MessagesLast24h,
			"latest_message_at":  formatTimestamp(status.LatestMessageAt),
			"contacts":           status.Contacts,
			"blocks":             status.Blocks,
			"push_subscriptions": status.PushSubscriptions,
		},
		"storage": map[string]any{
			"db_file_bytes":      status.DBSize,
			"db_wal_bytes":       status.DBWALSize,
			"db_shm_bytes":       status.DBSHMSize,
			"db_footprint_bytes": status.DBSize + status.DBWALSize + status.DBSHMSize,
			"db_file_hum":        formatBytes(status.DBSize),
			"db_footprint_hum":   formatBytes(status.DBSize + status.DBWALSize + status.DBSHMSize),
		},
		"warnings": map[string]any{
			"database": status.DBWarning,
			"storage":  status.StorageWarnings,
		},
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
