package mysql

import (
	"fmt"

	"github.com/velmie/courier/outbox"
)

const (
	placeholderGrowth = 2
	outboxColumns     = "id, aggregate_key, event_type, payload, headers, status, attempt, " +
		"claimed_by, claim_lease_expiry, next_attempt_at, last_error, created_at, sent_at"
	inboxColumns       = "message_id, consumer_name, processed_at, result_fingerprint, claimed_by, claimed_until"
	idempotencyColumns = "idem_key, request_fingerprint, status, response, last_error, created_at, updated_at, expires_at"
	sagaColumns        = "id, saga_type, state, current_step, data, attempt, next_attempt_at, last_error, " +
		"locked_by, locked_until, version, created_at, updated_at"
	stepColumns       = "saga_id, step_index, name, status, execute_result, compensate_result, attempts, last_error"
	deadLetterColumns = "id, source_type, source_id, payload, last_error, attempts, moved_at, status, replayed_at"
)

type outboxQueries struct {
	insert       string
	selectDue    string
	markSent     string
	reschedule   string
	markFailed   string
	release      string
	reclaim      string
	requeue      string
	get          string
	exists       string
	countPending string
	pruneSent    string
	claimFormat  string
}

func newOutboxQueries(table string) outboxQueries {
	owned := "WHERE id = ? AND status = ? AND claimed_by = ?"

	return outboxQueries{
		insert: fmt.Sprintf(
			"INSERT INTO %s (id, aggregate_key, event_type, payload, headers, status, attempt, next_attempt_at, created_at) "+
				"VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)",
			table,
		),
		// The NOT EXISTS read is non-locking, so a row whose predecessor is locked by
		// another worker is still seen as blocked.
		selectDue: fmt.Sprintf(
			"SELECT %s FROM %s AS o WHERE o.status = ? AND o.next_attempt_at <= ? "+
				"AND NOT EXISTS (SELECT 1 FROM %s AS p WHERE p.aggregate_key = o.aggregate_key "+
				"AND p.status IN (?, ?) AND p.seq < o.seq) "+
				"ORDER BY o.seq ASC LIMIT ? FOR UPDATE SKIP LOCKED",
			prefixColumns("o", outboxColumns), table, table,
		),
		markSent: fmt.Sprintf(
			"UPDATE %s SET status = ?, sent_at = ?, claimed_by = NULL, claim_lease_expiry = NULL %s",
			table, owned,
		),
		reschedule: fmt.Sprintf(
			"UPDATE %s SET status = ?, attempt = ?, next_attempt_at = ?, last_error = ?, "+
				"claimed_by = NULL, claim_lease_expiry = NULL %s",
			table, owned,
		),
		markFailed: fmt.Sprintf(
			"UPDATE %s SET status = ?, attempt = ?, last_error = ?, claimed_by = NULL, claim_lease_expiry = NULL %s",
			table, owned,
		),
		release: fmt.Sprintf(
			"UPDATE %s SET status = ?, claimed_by = NULL, claim_lease_expiry = NULL %s",
			table, owned,
		),
		reclaim: fmt.Sprintf(
			"UPDATE %s SET status = ?, claimed_by = NULL, claim_lease_expiry = NULL "+
				"WHERE status = ? AND claim_lease_expiry < ?",
			table,
		),
		requeue: fmt.Sprintf(
			"UPDATE %s SET status = ?, next_attempt_at = ?, attempt = IF(?, 0, attempt) WHERE id = ? AND status = ?",
			table,
		),
		get:          fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", outboxColumns, table),
		exists:       fmt.Sprintf("SELECT status FROM %s WHERE id = ?", table),
		countPending: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = ?", table),
		pruneSent: fmt.Sprintf(
			"DELETE FROM %s WHERE status = %d AND sent_at < ? ORDER BY seq LIMIT ?",
			table, int(outbox.StatusSent),
		),
		claimFormat: fmt.Sprintf(
			"UPDATE %s SET status = ?, claimed_by = ?, claim_lease_expiry = ? WHERE status = ? AND id IN (%%s)",
			table,
		),
	}
}

type inboxQueries struct {
	insertClaim   string
	takeover      string
	markProcessed string
	release       string
	get           string
	prune         string
}

func newInboxQueries(table string) inboxQueries {
	return inboxQueries{
		insertClaim: fmt.Sprintf(
			"INSERT INTO %s (message_id, consumer_name, claimed_by, claimed_until) VALUES (?, ?, ?, ?)",
			table,
		),
		takeover: fmt.Sprintf(
			"UPDATE %s SET claimed_by = ?, claimed_until = ? "+
				"WHERE message_id = ? AND consumer_name = ? AND processed_at IS NULL AND claimed_until < ?",
			table,
		),
		// Assignments run left to right: the fingerprint check must see the old processed_at.
		markProcessed: fmt.Sprintf(
			"INSERT INTO %s (message_id, consumer_name, processed_at, result_fingerprint) VALUES (?, ?, ?, ?) "+
				"ON DUPLICATE KEY UPDATE "+
				"result_fingerprint = IF(processed_at IS NULL, VALUES(result_fingerprint), result_fingerprint), "+
				"processed_at = IF(processed_at IS NULL, VALUES(processed_at), processed_at), "+
				"claimed_by = NULL, claimed_until = NULL",
			table,
		),
		release: fmt.Sprintf(
			"DELETE FROM %s WHERE message_id = ? AND consumer_name = ? AND processed_at IS NULL AND claimed_by = ?",
			table,
		),
		get: fmt.Sprintf("SELECT %s FROM %s WHERE message_id = ? AND consumer_name = ?", inboxColumns, table),
		prune: fmt.Sprintf(
			"DELETE FROM %s WHERE processed_at IS NOT NULL AND processed_at < ? LIMIT ?",
			table,
		),
	}
}

type idempotencyQueries struct {
	insert   string
	get      string
	complete string
	fail     string
	acquire  string
	purge    string
}

func newIdempotencyQueries(table string) idempotencyQueries {
	return idempotencyQueries{
		insert: fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", table, idempotencyColumns),
		get:    fmt.Sprintf("SELECT %s FROM %s WHERE idem_key = ?", idempotencyColumns, table),
		complete: fmt.Sprintf(
			"UPDATE %s SET status = ?, response = ?, last_error = NULL, updated_at = ? WHERE idem_key = ? AND status = ?",
			table,
		),
		fail: fmt.Sprintf(
			"UPDATE %s SET status = ?, last_error = ?, updated_at = ? WHERE idem_key = ? AND status = ?",
			table,
		),
		acquire: fmt.Sprintf(
			"UPDATE %s SET request_fingerprint = ?, status = ?, response = NULL, last_error = NULL, "+
				"updated_at = ?, expires_at = ? "+
				"WHERE idem_key = ? AND (status = ? OR expires_at <= ? OR (status = ? AND updated_at <= ?))",
			table,
		),
		purge: fmt.Sprintf("DELETE FROM %s WHERE expires_at <= ? LIMIT ?", table),
	}
}

type sagaQueries struct {
	insert      string
	insertStep  string
	get         string
	getSteps    string
	lock        string
	save        string
	saveStep    string
	listDue     string
	lockedState string
}

func newSagaQueries(table string) sagaQueries {
	steps := stepsTable(table)

	return sagaQueries{
		insert:     fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", table, sagaColumns),
		insertStep: fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", steps, stepColumns),
		get:        fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", sagaColumns, table),
		getSteps:   fmt.Sprintf("SELECT %s FROM %s WHERE saga_id = ? ORDER BY step_index ASC", stepColumns, steps),
		lock: fmt.Sprintf(
			"UPDATE %s SET locked_by = ?, locked_until = ? "+
				"WHERE id = ? AND (locked_by IS NULL OR locked_until <= ?)",
			table,
		),
		save: fmt.Sprintf(
			"UPDATE %s SET state = ?, current_step = ?, data = ?, attempt = ?, next_attempt_at = ?, last_error = ?, "+
				"locked_by = ?, locked_until = ?, version = version + 1, updated_at = ? "+
				"WHERE id = ? AND locked_by = ? AND version = ?",
			table,
		),
		saveStep: fmt.Sprintf(
			"UPDATE %s SET name = ?, status = ?, execute_result = ?, compensate_result = ?, attempts = ?, last_error = ? "+
				"WHERE saga_id = ? AND step_index = ?",
			steps,
		),
		listDue: fmt.Sprintf(
			"SELECT id FROM %s WHERE state IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?) "+
				"AND (locked_by IS NULL OR locked_until <= ?) ORDER BY next_attempt_at ASC LIMIT ?",
			table,
		),
		lockedState: fmt.Sprintf("SELECT locked_by, locked_until FROM %s WHERE id = ?", table),
	}
}

type deadLetterQueries struct {
	insert       string
	getOpen      string
	get          string
	list         string
	markReplayed string
}

func newDeadLetterQueries(table string) deadLetterQueries {
	return deadLetterQueries{
		insert:  fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)", table, deadLetterColumns),
		getOpen: fmt.Sprintf("SELECT %s FROM %s WHERE source_type = ? AND source_id = ? AND status = ?", deadLetterColumns, table),
		get:     fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", deadLetterColumns, table),
		// Optional filters collapse to TRUE when their flag argument is 0.
		list: fmt.Sprintf(
			"SELECT %s FROM %s WHERE status = ? AND (? = '' OR source_type = ?) AND (? = 0 OR moved_at >= ?) "+
				"ORDER BY moved_at ASC, id ASC LIMIT ?",
			deadLetterColumns, table,
		),
		markReplayed: fmt.Sprintf("UPDATE %s SET status = ?, replayed_at = ? WHERE id = ? AND status = ?", table),
	}
}

func prefixColumns(alias, columns string) string {
	buf := make([]byte, 0, len(columns)*placeholderGrowth)
	buf = append(buf, alias...)
	buf = append(buf, '.')
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		buf = append(buf, c)
		if c == ' ' && i > 0 && columns[i-1] == ',' {
			buf = append(buf, alias...)
			buf = append(buf, '.')
		}
	}

	return string(buf)
}

func buildInQuery(format string, count int) string {
	return fmt.Sprintf(format, makePlaceholders(count))
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}
