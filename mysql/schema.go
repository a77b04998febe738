package mysql

import "fmt"

const outboxSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	seq BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
	id BINARY(16) NOT NULL,
	aggregate_key VARCHAR(255) NOT NULL,
	event_type VARCHAR(255) NOT NULL,
	payload LONGBLOB NOT NULL,
	headers JSON NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	attempt INT NOT NULL DEFAULT 0,
	claimed_by VARCHAR(255) NULL,
	claim_lease_expiry DATETIME(6) NULL,
	next_attempt_at DATETIME(6) NOT NULL,
	last_error VARCHAR(1024) NULL,
	created_at DATETIME(6) NOT NULL,
	sent_at DATETIME(6) NULL,
	PRIMARY KEY (seq),
	UNIQUE KEY uq_id (id),
	INDEX idx_status_due (status, next_attempt_at, seq),
	INDEX idx_aggregate_status (aggregate_key, status, seq),
	INDEX idx_status_lease (status, claim_lease_expiry),
	INDEX idx_status_sent (status, sent_at)
);`

const inboxSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	message_id VARCHAR(255) NOT NULL,
	consumer_name VARCHAR(128) NOT NULL,
	processed_at DATETIME(6) NULL,
	result_fingerprint VARBINARY(255) NULL,
	claimed_by VARCHAR(255) NULL,
	claimed_until DATETIME(6) NULL,
	PRIMARY KEY (message_id, consumer_name),
	INDEX idx_processed_at (processed_at)
);`

const idempotencySchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	idem_key VARCHAR(255) NOT NULL,
	request_fingerprint CHAR(64) NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	response LONGBLOB NULL,
	last_error VARCHAR(1024) NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	expires_at DATETIME(6) NOT NULL,
	PRIMARY KEY (idem_key),
	INDEX idx_expires_at (expires_at)
);`

const sagaSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BINARY(16) NOT NULL,
	saga_type VARCHAR(255) NOT NULL,
	state SMALLINT NOT NULL DEFAULT 0,
	current_step INT NOT NULL DEFAULT 0,
	data LONGBLOB NULL,
	attempt INT NOT NULL DEFAULT 0,
	next_attempt_at DATETIME(6) NULL,
	last_error VARCHAR(1024) NULL,
	locked_by VARCHAR(255) NULL,
	locked_until DATETIME(6) NULL,
	version BIGINT NOT NULL DEFAULT 0,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	PRIMARY KEY (id),
	INDEX idx_state_due (state, next_attempt_at)
);
CREATE TABLE IF NOT EXISTS %s (
	saga_id BINARY(16) NOT NULL,
	step_index INT NOT NULL,
	name VARCHAR(255) NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	execute_result LONGBLOB NULL,
	compensate_result LONGBLOB NULL,
	attempts INT NOT NULL DEFAULT 0,
	last_error VARCHAR(1024) NULL,
	PRIMARY KEY (saga_id, step_index)
);`

// open_key is NULL once a dead letter is replayed, so the unique index only
// constrains pending records of one source.
const deadLetterSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BINARY(16) NOT NULL,
	source_type VARCHAR(16) NOT NULL,
	source_id VARCHAR(255) NOT NULL,
	payload LONGBLOB NULL,
	last_error VARCHAR(1024) NULL,
	attempts INT NOT NULL DEFAULT 0,
	moved_at DATETIME(6) NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	replayed_at DATETIME(6) NULL,
	open_key VARCHAR(280) GENERATED ALWAYS AS (IF(status = 0, CONCAT(source_type, ':', source_id), NULL)) STORED,
	PRIMARY KEY (id),
	UNIQUE KEY uq_open_source (open_key),
	INDEX idx_status_moved (status, moved_at)
);`

// OutboxSchema returns the DDL for an outbox table.
func OutboxSchema(table string) (string, error) {
	return buildSchema(outboxSchemaTemplate, table)
}

// InboxSchema returns the DDL for an inbox table.
func InboxSchema(table string) (string, error) {
	return buildSchema(inboxSchemaTemplate, table)
}

// IdempotencySchema returns the DDL for an idempotency key table.
func IdempotencySchema(table string) (string, error) {
	return buildSchema(idempotencySchemaTemplate, table)
}

// SagaSchema returns the DDL for a saga instance table and its step table.
// The result holds two statements; execute it with multiStatements=true or split it.
func SagaSchema(table string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(sagaSchemaTemplate, name, stepsTable(name)), nil
}

// DeadLetterSchema returns the DDL for a dead letter table.
func DeadLetterSchema(table string) (string, error) {
	return buildSchema(deadLetterSchemaTemplate, table)
}

// Schemas returns the DDL of every store using the default table names.
func Schemas() []string {
	builders := []func() (string, error){
		func() (string, error) { return OutboxSchema(defaultOutboxTable) },
		func() (string, error) { return InboxSchema(defaultInboxTable) },
		func() (string, error) { return IdempotencySchema(defaultIdempotencyTable) },
		func() (string, error) { return SagaSchema(defaultSagaTable) },
		func() (string, error) { return DeadLetterSchema(defaultDeadLetterTable) },
	}

	out := make([]string, 0, len(builders))
	for _, build := range builders {
		ddl, err := build()
		if err != nil {
			// default names are constants
			panic(err)
		}
		out = append(out, ddl)
	}

	return out
}

func buildSchema(template, table string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(template, name), nil
}
