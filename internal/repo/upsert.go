package repo

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"adsync/internal/syncerr"

	"github.com/jackc/pgx/v5"
)

// upsertChunkSize bounds the rows sent per transaction. A failing chunk
// rolls back alone; earlier chunks stay committed.
const upsertChunkSize = 500

// upsertStatement builds a single-row INSERT that overwrites every non-key
// column on a natural key conflict. The statement returns true when the row
// was inserted and false when an existing row was updated.
func upsertStatement(table string, columns, naturalKey []string) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	var sets []string
	for i, col := range columns {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = "$" + strconv.Itoa(i+1)
		if !slices.Contains(naturalKey, col) {
			sets = append(sets, quoted[i]+" = EXCLUDED."+quoted[i])
		}
	}
	keys := make([]string, len(naturalKey))
	for i, col := range naturalKey {
		keys[i] = pgx.Identifier{col}.Sanitize()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)", pgx.Identifier{table}.Sanitize(), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	fmt.Fprintf(&b, " ON CONFLICT (%s)", strings.Join(keys, ", "))
	if len(sets) == 0 {
		// Touch the key so RETURNING still yields a row on conflict.
		fmt.Fprintf(&b, " DO UPDATE SET %s = EXCLUDED.%s", keys[0], keys[0])
	} else {
		fmt.Fprintf(&b, " DO UPDATE SET %s", strings.Join(sets, ", "))
	}
	b.WriteString(" RETURNING (xmax = 0) AS inserted")
	return b.String()
}

// upsertRows writes args through stmt in chunked transactions.
func (r *Repository) upsertRows(ctx context.Context, table, stmt string, args [][]any) (UpsertResult, error) {
	var total UpsertResult
	for start := 0; start < len(args); start += upsertChunkSize {
		chunk := args[start:min(start+upsertChunkSize, len(args))]
		var res UpsertResult
		err := r.WithTx(ctx, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, row := range chunk {
				batch.Queue(stmt, row...)
			}
			br := tx.SendBatch(ctx, batch)
			defer br.Close()
			for range chunk {
				var inserted bool
				if err := br.QueryRow().Scan(&inserted); err != nil {
					return err
				}
				if inserted {
					res.Inserted++
				} else {
					res.Updated++
				}
			}
			return br.Close()
		})
		if err != nil {
			return total, fmt.Errorf("%w: upsert %s rows %d-%d: %w", syncerr.ErrPersistence, table, start, start+len(chunk)-1, err)
		}
		total.Add(res)
	}
	if len(args) > 0 {
		r.logger.Debug("upserted rows", "table", table, "inserted", total.Inserted, "updated", total.Updated)
	}
	return total, nil
}
