// Command migrate-tokens encrypts stored OAuth credentials at rest.
//
// Rows with encryption_version=0 (plaintext) are rewritten as version=1
// (AES-256-GCM). Run it once after setting ENCRYPTION_KEY on a deployment
// that previously stored tokens in plaintext.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--validate]
//
// Flags:
//
//	--dry-run: report what would be migrated without writing
//	--validate: print the encryption status of all rows and exit
//
// Environment:
//
//	DB_DSN: Postgres connection string (required)
//	ENCRYPTION_KEY: base64-encoded 32-byte key (required unless --validate)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nazarein/streamwatch/crypto"
)

type tokenRow struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "report what would be migrated without writing")
	validate := flag.Bool("validate", false, "print encryption status of all rows and exit")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	if *validate {
		if err := validateMigration(ctx, database); err != nil {
			slog.Error("validation failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	encryptor, err := crypto.NewAESEncryptor(encryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	if err := migrateTokens(ctx, database, encryptor, *dryRun); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

// migrateTokens rewrites every plaintext row (encryption_version=0) with its
// encrypted form.
func migrateTokens(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, dryRun bool) error {
	rows, err := database.QueryContext(ctx, `
		SELECT provider, access_token, refresh_token, expires_at, scope
		FROM oauth_tokens
		WHERE encryption_version = 0
		ORDER BY provider`)
	if err != nil {
		return fmt.Errorf("query plaintext tokens: %w", err)
	}
	defer rows.Close()

	var tokens []tokenRow
	for rows.Next() {
		var token tokenRow
		if err := rows.Scan(&token.Provider, &token.AccessToken, &token.RefreshToken, &token.ExpiresAt, &token.Scope); err != nil {
			return fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate token rows: %w", err)
	}

	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return nil
	}
	slog.Info("found plaintext tokens to migrate", slog.Int("count", len(tokens)), slog.Bool("dry_run", dryRun))

	migrated := 0
	failed := 0
	for _, token := range tokens {
		logger := slog.With(slog.String("provider", token.Provider))
		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		if err := migrateToken(ctx, database, encryptor, token); err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("migrated token")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(tokens)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))

	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

// migrateToken encrypts a single row inside a transaction. The version guard
// in the WHERE clause makes reruns and concurrent writers safe.
func migrateToken(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, token tokenRow) error {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback on error is best effort

	var encAccess, encRefresh string
	if token.AccessToken != "" {
		if encAccess, err = crypto.EncryptString(encryptor, token.AccessToken); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
	}
	if token.RefreshToken != "" {
		if encRefresh, err = crypto.EncryptString(encryptor, token.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE oauth_tokens
		SET access_token = $1,
		    refresh_token = $2,
		    encryption_version = 1,
		    encryption_key_id = 'default',
		    updated_at = NOW()
		WHERE provider = $3 AND encryption_version = 0`,
		encAccess, encRefresh, token.Provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (row may have been modified concurrently)", affected)
	}

	return tx.Commit()
}

// validateMigration reports the encryption status of every stored token.
func validateMigration(ctx context.Context, database *sql.DB) error {
	rows, err := database.QueryContext(ctx, `
		SELECT encryption_version, COUNT(*) AS count
		FROM oauth_tokens
		GROUP BY encryption_version
		ORDER BY encryption_version`)
	if err != nil {
		return fmt.Errorf("query validation: %w", err)
	}
	defer rows.Close()

	total := 0
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return fmt.Errorf("scan validation row: %w", err)
		}
		desc := "plaintext"
		switch version {
		case 1:
			desc = "encrypted (AES-256-GCM)"
		default:
			if version != 0 {
				desc = fmt.Sprintf("unknown version %d", version)
			}
		}
		slog.Info("token encryption status",
			slog.Int("encryption_version", version),
			slog.String("description", desc),
			slog.Int("count", count))
		total += count
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("validation rows iteration: %w", err)
	}
	slog.Info("total tokens", slog.Int("count", total))
	return nil
}
