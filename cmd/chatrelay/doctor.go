package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"chatrelay/internal/config"
	"chatrelay/internal/store"
)

// credentialKeys are the ConfigData keys each platform cannot start without.
var credentialKeys = map[string][]string{
	"qq":       {"appId", "clientSecret"},
	"slack":    {"botToken", "signingSecret"},
	"telegram": {"botToken"},
	"feishu":   {"appId", "appSecret"},
	"discord":  {"botToken", "publicKey"},
	"webhook":  nil,
}

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the relay setup",
		Long: `Verifies the configuration, database, queue backend, provider
credentials and listen port. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatrelay doctor v%s\n\n", version)
			var r doctorReport

			if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatrelay init' to create a default configuration.\n")
				return fmt.Errorf("no config")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			checkDatabase(&r, cfg.Database.Path)
			checkQueueBackend(cmd.Context(), &r, cfg.Queue)
			checkProviders(&r, cfg)

			if cfg.Responder.Mode == "http" && cfg.Responder.URL == "" {
				r.fail("Responder", "mode http needs responder.url")
			} else {
				r.pass("Responder", cfg.Responder.Mode)
			}

			if cfg.Server.AdminAPIKey == "" {
				r.warn("Admin API", "no adminApiKey, admin endpoints are unauthenticated")
			} else {
				r.pass("Admin API", "key configured")
			}

			if err := checkPort(cfg.Server.Addr()); err != nil {
				r.warn("Listen address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
			} else {
				r.pass("Listen address", cfg.Server.Addr()+" available")
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func checkDatabase(r *doctorReport, path string) {
	db, err := store.Open(path, logger)
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	defer db.Close()
	v, err := store.GetSchemaVersion(db.DB())
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	r.pass("Database", fmt.Sprintf("%s (schema v%d)", path, v))
}

func checkQueueBackend(ctx context.Context, r *doctorReport, qc config.QueueConfig) {
	switch qc.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: qc.Redis.Addr, Password: qc.Redis.Password, DB: qc.Redis.DB})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			r.fail("Queue backend", fmt.Sprintf("redis %s: %v", qc.Redis.Addr, err))
			return
		}
		r.pass("Queue backend", "redis "+qc.Redis.Addr)
	case "memory":
		r.warn("Queue backend", "memory: deliveries are lost on restart")
	default:
		r.pass("Queue backend", "sqlite")
	}
}

// checkProviders looks at the seed configs in the file. Configs already in
// the store take precedence at runtime; use `providers list` for those.
func checkProviders(r *doctorReport, cfg *config.Config) {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	enabled := 0
	for _, name := range names {
		p := cfg.Providers[name]
		if !p.Enabled {
			continue
		}
		enabled++
		var missing []string
		for _, k := range credentialKeys[name] {
			if p.Config[k] == "" {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			r.fail("Provider: "+name, "missing "+strings.Join(missing, ", "))
			continue
		}
		r.pass("Provider: "+name, "configured")
	}
	if enabled == 0 {
		r.warn("Providers", "none enabled in the config file")
	}
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

// ensureDir creates the parent directory of path.
func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
