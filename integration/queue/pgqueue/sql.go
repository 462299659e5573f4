package pgqueue

import (
	"strconv"
	"strings"
)

var jobColumns = []string{
	"id", "queue", "kind", "payload", "priority", "weight", "state",
	"attempts", "max_attempts", "backoff_kind", "backoff_delay", "progress",
	"result", "recurring", "locked_by", "locked_until",
	"created_at", "available_at", "last_attempt_at", "finished_at",
}

var (
	selectColumns   = strings.Join(jobColumns, ", ")
	returnedColumns = "j." + strings.Join(jobColumns, ", j.")

	insertSQL = "INSERT INTO queue_jobs (" + selectColumns + ") VALUES (" + placeholders(len(jobColumns)) + ")"

	// A conflicting row is replaced only when finished; otherwise no row is
	// returned and the caller reports "not created".
	insertIfAbsentSQL = insertSQL + `
		ON CONFLICT (id) DO UPDATE SET ` + excludedAssignments() + `
		WHERE queue_jobs.state IN ('completed', 'failed')
		RETURNING id`

	// $1 queue, $2 now, $3 aging interval in microseconds (0 disables aging),
	// $4 weight floor, $5 worker id, $6 lease deadline.
	claimSQL = `
		WITH candidate AS (
			SELECT id, state AS claimed_from
			FROM queue_jobs
			WHERE queue = $1
			  AND ((state = 'waiting' AND available_at <= $2)
			    OR (state = 'active' AND locked_until <= $2))
			ORDER BY
				CASE WHEN $3::bigint > 0 AND available_at < $2
					THEN GREATEST($4::bigint, weight - (EXTRACT(EPOCH FROM ($2 - available_at)) * 1000000)::bigint / $3::bigint)
					ELSE weight
				END,
				created_at,
				id COLLATE "C"
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_jobs j
		SET state = 'active', locked_by = $5, locked_until = $6, last_attempt_at = $2, progress = 0
		FROM candidate c
		WHERE j.id = c.id
		RETURNING c.claimed_from, ` + returnedColumns

	getSQL = "SELECT " + selectColumns + " FROM queue_jobs WHERE id = $1"

	existsSQL = "SELECT EXISTS (SELECT 1 FROM queue_jobs WHERE id = $1)"

	countSQL = "SELECT state, count(*) FROM queue_jobs WHERE queue = $1 GROUP BY state"

	// LIMIT NULL means no limit.
	deadLettersSQL = "SELECT " + selectColumns + ` FROM queue_jobs
		WHERE queue = $1 AND state = 'failed'
		ORDER BY COALESCE(finished_at, created_at) DESC, id COLLATE "C" DESC
		LIMIT $2`

	pruneSQL = `DELETE FROM queue_jobs WHERE id IN (
		SELECT id FROM queue_jobs
		WHERE queue = $1 AND state = $2
		ORDER BY COALESCE(finished_at, created_at) DESC, id COLLATE "C" DESC
		OFFSET $3
	)`
)

// ownedSQL updates a job only while it is active under the worker in $2.
func ownedSQL(set string) string {
	return "UPDATE queue_jobs SET " + set + " WHERE id = $1 AND state = 'active' AND locked_by = $2"
}

func placeholders(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(i))
	}
	return b.String()
}

func excludedAssignments() string {
	parts := make([]string, 0, len(jobColumns)-1)
	for _, c := range jobColumns[1:] {
		parts = append(parts, c+" = EXCLUDED."+c)
	}
	return strings.Join(parts, ", ")
}
