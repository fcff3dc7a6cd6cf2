// Package archive implements the copy-on-update / delete-into-archive
// pattern used by every mutable resource store: before a row is changed or
// removed, its prior state is preserved in a shadow "archive" table so
// notifications and audits can recover what used to be there.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Execer is satisfied by both pgxpool.Pool and pgx.Tx, so archive
// operations can run either standalone or as part of a caller's
// transaction (the common case: archive-then-mutate in one commit).
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CopyIntoArchive copies rows matching whereClause from sourceTable into
// archiveTable, leaving deleted_time NULL (an "update" snapshot). columns
// lists the source-table columns also present on the archive table;
// archive_time is stamped with now. whereClause must reference $1.. in
// terms of args, offset by the caller (no columns are bound by this call).
//
// Called before UPDATE, inside the same transaction as the mutation.
func CopyIntoArchive(ctx context.Context, ex Execer, sourceTable, archiveTable string, columns []string, now time.Time, whereClause string, args ...any) error {
	colList := strings.Join(columns, ", ")

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s, archive_time) SELECT %s, $%d FROM %s WHERE %s",
		archiveTable, colList, colList, len(args)+1, sourceTable, whereClause,
	)

	_, err := ex.Exec(ctx, sql, append(args, now)...)
	if err != nil {
		return fmt.Errorf("archive: copy into %s: %w", archiveTable, err)
	}

	return nil
}

// DeleteIntoArchive atomically deletes rows matching whereClause from
// sourceTable and inserts their prior contents into archiveTable with
// deleted_time set, in a single round trip via a DELETE ... RETURNING CTE.
func DeleteIntoArchive(ctx context.Context, ex Execer, sourceTable, archiveTable string, columns []string, deletedTime time.Time, whereClause string, args ...any) error {
	colList := strings.Join(columns, ", ")

	sql := fmt.Sprintf(
		`WITH deleted_rows AS (
			DELETE FROM %s WHERE %s RETURNING %s, $%d AS deleted_time
		)
		INSERT INTO %s (%s, deleted_time) SELECT %s, deleted_time FROM deleted_rows`,
		sourceTable, whereClause, colList, len(args)+1,
		archiveTable, colList, colList,
	)

	_, err := ex.Exec(ctx, sql, append(args, deletedTime)...)
	if err != nil {
		return fmt.Errorf("archive: delete into %s: %w", archiveTable, err)
	}

	return nil
}

// Period filters archive reads, choosing between archive_time and
// deleted_time depending on OnlyDeletes.
type Period struct {
	Start       time.Time
	End         time.Time
	OnlyDeletes bool
}

func (p Period) column() string {
	if p.OnlyDeletes {
		return "deleted_time"
	}

	return "archive_time"
}

// CountForPeriod counts archiveTable rows whose archive_time (or
// deleted_time, if OnlyDeletes) falls in [period.Start, period.End).
func CountForPeriod(ctx context.Context, ex Execer, archiveTable string, period Period) (int64, error) {
	sql := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s >= $1 AND %s < $2", archiveTable, period.column(), period.column())

	var n int64
	if err := ex.QueryRow(ctx, sql, period.Start, period.End).Scan(&n); err != nil {
		return 0, fmt.Errorf("archive: count %s: %w", archiveTable, err)
	}

	return n, nil
}

// SelectForPeriod returns up to limit archiveTable rows (selectColumns,
// in order) starting at offset start, ordered by archive_id ascending,
// matching period. scan is called once per row to decode it.
func SelectForPeriod(ctx context.Context, ex Execer, archiveTable string, selectColumns []string, period Period, start, limit int, scan func(pgx.Rows) error) error {
	sql := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s >= $1 AND %s < $2 ORDER BY archive_id ASC OFFSET $3 LIMIT $4",
		strings.Join(selectColumns, ", "), archiveTable, period.column(), period.column(),
	)

	rows, err := ex.Query(ctx, sql, period.Start, period.End, start, limit)
	if err != nil {
		return fmt.Errorf("archive: select %s: %w", archiveTable, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}

	return rows.Err()
}

// FetchWithArchiveByID looks up primary key ids on the live table first;
// any id missing there is resolved against the archive table, taking the
// single latest row per id (by deleted_time DESC, archive_time DESC). This
// lets a deletion notification still carry the last-known state of a row
// that has since been hard-deleted from the live table.
//
// liveScan/archiveScan are invoked once per matched row; liveIDCol and
// archiveIDCol name the primary key column on each table (Postgres's
// DISTINCT ON is used for the archive half, matching the reference
// implementation's ordering semantics).
func FetchWithArchiveByID(
	ctx context.Context, ex Execer,
	liveTable, archiveTable string, liveColumns, archiveColumns []string,
	liveIDCol, archiveIDCol string, ids []int64,
	liveScan func(pgx.Rows) (id int64, err error),
	archiveScan func(pgx.Rows) error,
) ([]int64, error) {
	liveSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ANY($1)", strings.Join(liveColumns, ", "), liveTable, liveIDCol)

	rows, err := ex.Query(ctx, liveSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("archive: fetch live %s: %w", liveTable, err)
	}

	foundIDs := map[int64]struct{}{}

	for rows.Next() {
		id, err := liveScan(rows)
		if err != nil {
			rows.Close()

			return nil, err
		}

		foundIDs[id] = struct{}{}
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []int64
	for _, id := range ids {
		if _, ok := foundIDs[id]; !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) == 0 {
		return missing, nil
	}

	archiveSQL := fmt.Sprintf(
		`SELECT DISTINCT ON (%s) %s FROM %s
		 WHERE deleted_time IS NOT NULL AND %s = ANY($1)
		 ORDER BY %s, deleted_time DESC, archive_time DESC`,
		archiveIDCol, strings.Join(archiveColumns, ", "), archiveTable, archiveIDCol, archiveIDCol,
	)

	archiveRows, err := ex.Query(ctx, archiveSQL, missing)
	if err != nil {
		return nil, fmt.Errorf("archive: fetch archived %s: %w", archiveTable, err)
	}
	defer archiveRows.Close()

	for archiveRows.Next() {
		if err := archiveScan(archiveRows); err != nil {
			return nil, err
		}
	}

	return missing, archiveRows.Err()
}
