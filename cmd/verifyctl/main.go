// Package main provides an operator CLI for the verification engine: a one-shot
// purge for cron jobs, clearing a subject's issuance window, and a dump of the
// effective purpose policies.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"proz/internal/platform/config"
	"proz/internal/platform/database"
	"proz/internal/platform/logger"
	"proz/internal/platform/redis"
	vmodels "proz/internal/verification/models"
	"proz/internal/verification/store/credential"
	"proz/internal/verification/store/issuance"
)

type purgeOutput struct {
	Purpose       string `json:"purpose"`
	OlderThan     string `json:"older_than"`
	Credentials   int    `json:"purged_credentials"`
	LapsedWindows int    `json:"lapsed_windows"`
}

type unblockOutput struct {
	Subject string `json:"subject"`
	Backend string `json:"backend"`
}

type policyOutput struct {
	Purpose     string `json:"purpose"`
	Class       string `json:"class"`
	CodeLength  int    `json:"code_length,omitempty"`
	TTL         string `json:"ttl"`
	MaxAttempts int    `json:"max_attempts"`
	Channel     string `json:"channel"`
	LinkPath    string `json:"link_path,omitempty"`
}

func main() {
	purgeCmd := flag.NewFlagSet("purge", flag.ExitOnError)
	purgePurpose := purgeCmd.String("purpose", "", "Purpose to purge (all purposes if empty)")
	purgeOlderThan := purgeCmd.Duration("older-than", 24*time.Hour, "Only purge credentials issued before now minus this")
	purgeWindow := purgeCmd.Duration("window", time.Hour, "Issuance window length used to find lapsed counters")

	unblockCmd := flag.NewFlagSet("unblock", flag.ExitOnError)
	unblockSubject := unblockCmd.String("subject", "", "Phone number or email whose issuance window is cleared")

	policiesCmd := flag.NewFlagSet("policies", flag.ExitOnError)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "purge":
		_ = purgeCmd.Parse(os.Args[2:])
		err = runPurge(cfg, *purgePurpose, *purgeOlderThan, *purgeWindow, os.Stdout)
	case "unblock":
		_ = unblockCmd.Parse(os.Args[2:])
		err = runUnblock(cfg, *unblockSubject, os.Stdout)
	case "policies":
		_ = policiesCmd.Parse(os.Args[2:])
		err = printPolicies(cfg, os.Stdout)
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runPurge deletes terminal credentials and lapsed issuance windows straight
// from Postgres. Ephemeral backends evict on their own and need no purge.
func runPurge(cfg *config.Config, purpose string, olderThan, window time.Duration, out io.Writer) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("purge needs DATABASE_URL: only the postgres backend keeps terminal credentials")
	}
	if purpose != "" {
		if _, err := vmodels.ParsePurpose(purpose); err != nil {
			return err
		}
	}
	if olderThan < 0 {
		return fmt.Errorf("older-than must not be negative")
	}

	log := logger.New(cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := database.New(ctx, database.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close() //nolint:errcheck // process exits right after

	now := time.Now()
	store := credential.NewPostgres(pool.DB())
	purged, err := store.DeleteTerminal(ctx, vmodels.Purpose(purpose), now.Add(-olderThan), now)
	if err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	lapsed, err := issuance.NewPostgresCounter(pool.DB()).DeleteLapsed(ctx, now.Add(-window))
	if err != nil {
		return fmt.Errorf("delete lapsed windows: %w", err)
	}
	log.Info("verification purge completed", "purged_credentials", purged, "lapsed_windows", lapsed)

	return writeJSON(out, purgeOutput{
		Purpose:       purpose,
		OlderThan:     olderThan.String(),
		Credentials:   purged,
		LapsedWindows: lapsed,
	})
}

// runUnblock clears subject's issuance window in the shared counter, using the
// same backend preference as the server: Redis, then Postgres.
func runUnblock(cfg *config.Config, subject string, out io.Writer) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("unblock needs -subject")
	}
	if cfg.Redis.URL == "" && cfg.DatabaseURL == "" {
		return fmt.Errorf("unblock needs REDIS_URL or DATABASE_URL: in-process counters live in the server")
	}

	log := logger.New(cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		counter interface {
			Reset(ctx context.Context, subject string) error
		}
		backend string
	)
	if cfg.Redis.URL != "" {
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close() //nolint:errcheck // process exits right after
		counter, backend = issuance.NewRedisCounter(client.Client, ""), config.StoreRedis
	} else {
		pool, err := database.New(ctx, database.DefaultConfig(cfg.DatabaseURL))
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close() //nolint:errcheck // process exits right after
		counter, backend = issuance.NewPostgresCounter(pool.DB()), config.StorePostgres
	}

	if err := counter.Reset(ctx, subject); err != nil {
		return fmt.Errorf("clear issuance window: %w", err)
	}
	log.Info("issuance window cleared", "backend", backend)

	return writeJSON(out, unblockOutput{Subject: subject, Backend: backend})
}

func printPolicies(cfg *config.Config, out io.Writer) error {
	ps := cfg.Policies.Policies()
	rows := make([]policyOutput, 0, len(ps))
	for purpose, p := range ps {
		rows = append(rows, policyOutput{
			Purpose:     string(purpose),
			Class:       string(p.Class),
			CodeLength:  p.CodeLength,
			TTL:         p.TTL.String(),
			MaxAttempts: p.MaxAttempts,
			Channel:     string(p.Channel),
			LinkPath:    p.LinkPath,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Purpose < rows[j].Purpose })
	return writeJSON(out, rows)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	fmt.Println(`verifyctl - verification engine operator tool

Usage:
  verifyctl purge [flags]      Delete terminal credentials and lapsed issuance windows
  verifyctl unblock -subject S Clear the issuance window for one phone number or email
  verifyctl policies           Print the effective purpose policies as JSON

Purge flags:
  -purpose string        Purpose to purge (default: all)
  -older-than duration   Retention before a terminal credential is purged (default 24h)
  -window duration       Issuance window length (default 1h)

Configuration is read from the environment and an optional .env file.`)
}
