package consent

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/db"
)

type pgLookup struct{ pool *pgxpool.Pool }

// NewPGLookup reads consent results from the consent table.
func NewPGLookup(pool *pgxpool.Pool) Lookup { return &pgLookup{pool: pool} }

const consentCols = `id::text, status, policy_code, effective_date`

func scanResult(row pgx.Row) (Result, error) {
	var (
		r      Result
		id     string
		status string
		policy string
	)
	if err := row.Scan(&id, &status, &policy, &r.ConsentDate); err != nil {
		return Result{}, err
	}
	r.ConsentID = id
	r.Active = strings.EqualFold(status, "active")
	r.PolicyType = PolicyType(strings.ToUpper(policy))
	return r, nil
}

func (l *pgLookup) GetConsent(ctx context.Context, mbi string) ([]Result, error) {
	rows, err := db.Conn(ctx, l.pool).Query(ctx,
		`SELECT `+consentCols+` FROM consent WHERE mbi = $1 ORDER BY effective_date DESC`,
		strings.ToUpper(mbi))
	if err != nil {
		return nil, fmt.Errorf("query consent: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consent: %w", err)
	}
	return results, nil
}
