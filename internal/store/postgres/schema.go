package postgres

// schemaSQL is applied on every Open; all statements are idempotent.
const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS data_exporter;

CREATE TABLE IF NOT EXISTS data_exporter.task (
    id            text PRIMARY KEY,
    user_id       bigint NOT NULL,
    domain_id     bigint NOT NULL,
    created_at    bigint NOT NULL,
    status        text   NOT NULL,
    max_file_size bigint NOT NULL DEFAULT 0,
    host_info     text   NOT NULL DEFAULT '',
    locale        text   NOT NULL DEFAULT '',
    touched_at    bigint NOT NULL,
    expires_at    bigint NOT NULL DEFAULT 0,
    result_refs   jsonb,
    notified      boolean NOT NULL DEFAULT false,
    CONSTRAINT task_owner_uq UNIQUE (user_id, domain_id)
);

CREATE TABLE IF NOT EXISTS data_exporter.work_item (
    task_id   text NOT NULL REFERENCES data_exporter.task (id) ON DELETE CASCADE,
    module    text NOT NULL,
    position  int  NOT NULL,
    status    text NOT NULL,
    blob_ref  text,
    savepoint jsonb,
    failure   jsonb,
    PRIMARY KEY (task_id, module)
);

CREATE INDEX IF NOT EXISTS task_claim_idx
    ON data_exporter.task (status, touched_at);

CREATE TABLE IF NOT EXISTS data_exporter.lease (
    name  text PRIMARY KEY,
    token text NOT NULL
);
`
