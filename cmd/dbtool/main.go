package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/jacksonlee411/property-ledger/internal/config"
	"github.com/jacksonlee411/property-ledger/internal/logging"
	"github.com/jacksonlee411/property-ledger/internal/server"
	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
	"github.com/jacksonlee411/property-ledger/modules/filing/infrastructure/persistence"
	"github.com/jacksonlee411/property-ledger/modules/filing/services"
	"github.com/jacksonlee411/property-ledger/pkg/authz"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: dbtool <migrate|migrate-status|archive-sweep|retention-check> [args]")
	}

	switch os.Args[1] {
	case "migrate":
		migrate(os.Args[2:])
	case "migrate-status":
		migrateStatus(os.Args[2:])
	case "archive-sweep":
		archiveSweep(os.Args[2:])
	case "retention-check":
		retentionCheck(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

func openDB(url string) *sql.DB {
	store := config.StoreConfig{DatabaseURL: url}
	if url == "" {
		cfg, err := config.Load()
		if err != nil {
			fatal(err)
		}
		store = cfg.Store
	}
	_, _ = fmt.Fprintf(os.Stderr, "[dbtool] database %s\n", store.RedactedDSN())
	db, err := sql.Open("pgx", store.DSN())
	if err != nil {
		fatal(err)
	}
	return db
}

func migrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string (defaults to config)")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db := openDB(url)
	defer db.Close()

	applied, err := persistence.Migrate(ctx, db)
	if err != nil {
		fatal(err)
	}
	for _, p := range applied {
		fmt.Printf("[migrate] applied %s\n", p)
	}
	fmt.Printf("[migrate] OK (%d applied)\n", len(applied))
}

func migrateStatus(args []string) {
	fs := flag.NewFlagSet("migrate-status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string (defaults to config)")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db := openDB(url)
	defer db.Close()

	v, err := persistence.MigrationVersion(ctx, db)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("[migrate-status] version=%d\n", v)
}

type actorFlags struct {
	id   string
	role string
}

func (a *actorFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&a.id, "actor-id", "dbtool", "actor recorded in the audit trail")
	fs.StringVar(&a.role, "actor-role", authz.RoleComplianceOfficer, "role used for authorization")
}

func (a actorFlags) actor() (authz.Actor, error) {
	id := strings.TrimSpace(a.id)
	if id == "" {
		return authz.Actor{}, fmt.Errorf("missing --actor-id")
	}
	role := strings.ToLower(strings.TrimSpace(a.role))
	if role == "" {
		role = authz.RoleAnonymous
	}
	return authz.Actor{ID: id, Role: role}, nil
}

// openApp wires the filing services against the configured postgres store.
// Maintenance against the in-memory store would see nothing.
func openApp(ctx context.Context) (*server.App, config.Config) {
	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}
	if cfg.Store.Backend != config.StorePostgres {
		fatalf("store.backend must be %q (got %q)", config.StorePostgres, cfg.Store.Backend)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fatal(err)
	}
	app, err := server.NewApp(ctx, cfg, logger.Named("dbtool"))
	if err != nil {
		fatal(err)
	}
	return app, cfg
}

func archiveSweep(args []string) {
	fs := flag.NewFlagSet("archive-sweep", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var cutoffRaw string
	var limit int
	var af actorFlags
	fs.StringVar(&cutoffRaw, "cutoff", "", "archive ACCEPTED filings created before this date (YYYY-MM-DD or RFC3339)")
	fs.IntVar(&limit, "limit", 0, "maximum filings per sweep (0 = batch maximum)")
	af.register(fs)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	cutoff, err := parseCutoff(cutoffRaw)
	if err != nil {
		fatal(err)
	}
	actor, err := af.actor()
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	app, _ := openApp(ctx)
	defer app.Close()

	report, err := app.Batch.SweepArchive(ctx, services.SweepRequest{Cutoff: cutoff, Actor: actor, Limit: limit})
	if err != nil {
		fatal(err)
	}
	app.Logger.Info("archive sweep finished",
		zap.Time("cutoff", cutoff),
		zap.Int("succeeded", len(report.Succeeded)),
		zap.Int("failed", len(report.Failed)),
	)
	if err := writeJSON(os.Stdout, report); err != nil {
		fatal(err)
	}
	if len(report.Failed) > 0 {
		os.Exit(2)
	}
}

type retentionRow struct {
	FilingID         string     `json:"filing_id"`
	ArchivedAt       time.Time  `json:"archived_at"`
	RetainUntil      time.Time  `json:"retain_until"`
	WithinRetention  bool       `json:"within_retention"`
	HasSnapshot      bool       `json:"has_snapshot"`
	SnapshotPurgedAt *time.Time `json:"snapshot_purged_at,omitempty"`
	Purged           bool       `json:"purged,omitempty"`
	Error            string     `json:"error,omitempty"`
}

func retentionRows(filings []types.Filing, policy services.RetentionPolicy, now time.Time) []retentionRow {
	rows := make([]retentionRow, 0, len(filings))
	for _, f := range filings {
		if f.ArchivedAt == nil {
			continue
		}
		until := policy.RetainUntil(*f.ArchivedAt)
		rows = append(rows, retentionRow{
			FilingID:         f.ID,
			ArchivedAt:       *f.ArchivedAt,
			RetainUntil:      until,
			WithinRetention:  now.Before(until),
			HasSnapshot:      f.ArchiveReference != "" && f.SnapshotPurgedAt == nil,
			SnapshotPurgedAt: f.SnapshotPurgedAt,
		})
	}
	return rows
}

func retentionCheck(args []string) {
	fs := flag.NewFlagSet("retention-check", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var limit int
	var purge bool
	var af actorFlags
	fs.IntVar(&limit, "limit", 0, "maximum archived filings to inspect (0 = all)")
	fs.BoolVar(&purge, "purge", false, "purge snapshots whose retention has elapsed")
	af.register(fs)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	actor, err := af.actor()
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	app, cfg := openApp(ctx)
	defer app.Close()

	filings, err := app.Lifecycle.List(ctx, types.ListFilter{Statuses: []types.Status{types.StatusArchived}, Limit: limit})
	if err != nil {
		fatal(err)
	}
	rows := retentionRows(filings, services.RetentionPolicy{Years: cfg.Retention.Years}, time.Now().UTC())
	if purge {
		for i := range rows {
			if rows[i].WithinRetention || !rows[i].HasSnapshot {
				continue
			}
			if err := app.Archival.PurgeSnapshot(ctx, rows[i].FilingID, actor); err != nil {
				rows[i].Error = err.Error()
				continue
			}
			rows[i].Purged = true
		}
	}
	if err := writeJSON(os.Stdout, rows); err != nil {
		fatal(err)
	}
}

func parseCutoff(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing --cutoff")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --cutoff %q: want YYYY-MM-DD or RFC3339", raw)
	}
	return t, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fatal(err error) {
	if err == nil {
		os.Exit(1)
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
