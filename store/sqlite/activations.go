package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/frobware/go-ebpfpolicy/security"
	"github.com/frobware/go-ebpfpolicy/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const activationColumns = `id, kind, filter_type, mode, plugin, config_name, project, logstore, region,
	       source, document, findings, accepted, error, generation, created_at`

func (s *sqliteStore) prepareStatements(ctx context.Context) error {
	var err error

	const sqlInsert = `
		INSERT INTO activations
		(id, kind, filter_type, mode, plugin, config_name, project, logstore, region,
		 source, document, findings, accepted, error, generation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.stmtInsert, err = s.db.PrepareContext(ctx, sqlInsert); err != nil {
		return fmt.Errorf("prepare Insert: %w", err)
	}

	const sqlGet = "SELECT " + activationColumns + " FROM activations WHERE id = ?"
	if s.stmtGet, err = s.db.PrepareContext(ctx, sqlGet); err != nil {
		return fmt.Errorf("prepare Get: %w", err)
	}

	// LIMIT -1 is unlimited in SQLite.
	const sqlList = "SELECT " + activationColumns + ` FROM activations
		WHERE (?1 = '' OR kind = ?1)
		  AND (?2 = '' OR filter_type = ?2)
		  AND (?3 = 0 OR accepted = 1)
		ORDER BY seq DESC
		LIMIT ?4`
	if s.stmtList, err = s.db.PrepareContext(ctx, sqlList); err != nil {
		return fmt.Errorf("prepare List: %w", err)
	}

	const sqlLatest = "SELECT " + activationColumns + ` FROM activations
		WHERE kind = 'policy' AND filter_type = ? AND accepted = 1
		ORDER BY seq DESC
		LIMIT 1`
	if s.stmtLatest, err = s.db.PrepareContext(ctx, sqlLatest); err != nil {
		return fmt.Errorf("prepare Latest: %w", err)
	}

	const sqlPrune = `
		DELETE FROM activations
		WHERE seq NOT IN (SELECT seq FROM activations ORDER BY seq DESC LIMIT ?)`
	if s.stmtPrune, err = s.db.PrepareContext(ctx, sqlPrune); err != nil {
		return fmt.Errorf("prepare Prune: %w", err)
	}

	return nil
}

func filterTypeColumn(ft security.FilterType) string {
	if !ft.Valid() {
		return ""
	}
	return ft.String()
}

// Record persists a new activation.
func (s *sqliteStore) Record(ctx context.Context, a store.Activation) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("record activation: %w", err)
	}
	findings := a.Findings
	if findings == nil {
		findings = []store.FindingRecord{}
	}
	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	start := time.Now()
	_, err = s.stmtInsert.ExecContext(ctx,
		a.ID.String(),
		string(a.Kind),
		filterTypeColumn(a.FilterType),
		a.Mode.String(),
		a.Identity.Plugin,
		a.Identity.ConfigName,
		a.Identity.Project,
		a.Identity.Logstore,
		a.Identity.Region,
		a.Source,
		a.Document,
		string(findingsJSON),
		a.Accepted,
		a.Error,
		int64(a.Generation),
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert activation %s: %w", a.ID, err)
	}
	s.logger.Debug("recorded activation",
		"id", a.ID, "kind", a.Kind, "accepted", a.Accepted, "duration_ms", msec(time.Since(start)))
	return nil
}

// Get returns store.ErrNotFound if the activation does not exist.
func (s *sqliteStore) Get(ctx context.Context, id uuid.UUID) (store.Activation, error) {
	a, err := scanActivation(s.stmtGet.QueryRowContext(ctx, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Activation{}, fmt.Errorf("activation %s: %w", id, store.ErrNotFound)
	}
	return a, err
}

// Latest returns the newest accepted policy activation for ft.
func (s *sqliteStore) Latest(ctx context.Context, ft security.FilterType) (store.Activation, error) {
	a, err := scanActivation(s.stmtLatest.QueryRowContext(ctx, filterTypeColumn(ft)))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Activation{}, fmt.Errorf("accepted %s activation: %w", ft, store.ErrNotFound)
	}
	return a, err
}

// List returns activations newest first.
func (s *sqliteStore) List(ctx context.Context, opts store.ListOptions) ([]store.Activation, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	acceptedOnly := 0
	if opts.AcceptedOnly {
		acceptedOnly = 1
	}

	rows, err := s.stmtList.QueryContext(ctx, string(opts.Kind), filterTypeColumn(opts.FilterType), acceptedOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	var out []store.Activation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune keeps the newest keep activations.
func (s *sqliteStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("prune: negative keep %d", keep)
	}
	res, err := s.stmtPrune.ExecContext(ctx, keep)
	if err != nil {
		return 0, fmt.Errorf("prune activations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune activations: %w", err)
	}
	if n > 0 {
		s.logger.Debug("pruned activations", "deleted", n, "kept", keep)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivation(row rowScanner) (store.Activation, error) {
	var (
		a                          store.Activation
		idStr, kind, ft, mode      string
		findingsJSON, createdAtStr string
		generation                 int64
	)
	err := row.Scan(&idStr, &kind, &ft, &mode,
		&a.Identity.Plugin, &a.Identity.ConfigName, &a.Identity.Project, &a.Identity.Logstore, &a.Identity.Region,
		&a.Source, &a.Document, &findingsJSON, &a.Accepted, &a.Error, &generation, &createdAtStr)
	if err != nil {
		return store.Activation{}, err
	}

	if a.ID, err = uuid.Parse(idStr); err != nil {
		return store.Activation{}, fmt.Errorf("invalid activation id %q: %w", idStr, err)
	}
	a.Kind = store.Kind(kind)
	if ft != "" {
		if a.FilterType, err = security.ParseFilterType(ft); err != nil {
			return store.Activation{}, fmt.Errorf("activation %s: %w", idStr, err)
		}
	}
	if a.Mode, err = security.ParseValidationMode(mode); err != nil {
		return store.Activation{}, fmt.Errorf("activation %s: %w", idStr, err)
	}
	if err := json.Unmarshal([]byte(findingsJSON), &a.Findings); err != nil {
		return store.Activation{}, fmt.Errorf("activation %s: invalid findings: %w", idStr, err)
	}
	a.Generation = uint64(generation)
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr); err != nil {
		return store.Activation{}, fmt.Errorf("invalid created_at timestamp for %s: %q: %w", idStr, createdAtStr, err)
	}
	return a, nil
}

// msec formats a duration as milliseconds with 3 decimal places.
func msec(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000)
}
