package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    state TEXT NOT NULL,
    state_version INTEGER NOT NULL,
    fencing_token TEXT NOT NULL DEFAULT '',
    fencing_expires_at INTEGER NOT NULL DEFAULT 0,
    orchestrator_mode TEXT NOT NULL DEFAULT '',
    planned_subtasks INTEGER NOT NULL DEFAULT 0,
    total_subtasks INTEGER NOT NULL DEFAULT 0,
    completed_subtasks INTEGER NOT NULL DEFAULT 0,
    failed_subtasks INTEGER NOT NULL DEFAULT 0,
    skipped_subtasks INTEGER NOT NULL DEFAULT 0,
    credit_estimate INTEGER NOT NULL DEFAULT 0,
    credits_used INTEGER NOT NULL DEFAULT 0,
    credits_settled INTEGER NOT NULL DEFAULT 0,
    reservation_id TEXT NOT NULL DEFAULT '',
    settled BOOLEAN NOT NULL DEFAULT FALSE,
    deadline_at INTEGER NOT NULL DEFAULT 0,
    last_progress_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    payload BLOB,
    CHECK (completed_subtasks >= 0 AND failed_subtasks >= 0 AND skipped_subtasks >= 0),
    CHECK (completed_subtasks + failed_subtasks + skipped_subtasks <= total_subtasks)
);

CREATE INDEX IF NOT EXISTS idx_runs_state_progress ON runs(state, last_progress_at);

CREATE TABLE IF NOT EXISTS subtasks (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    subtask_index INTEGER NOT NULL,
    idempotency_key TEXT NOT NULL UNIQUE,
    state TEXT NOT NULL,
    state_version INTEGER NOT NULL,
    depends_on TEXT NOT NULL DEFAULT '[]',
    assigned_worker_id TEXT NOT NULL DEFAULT '',
    heartbeat_at INTEGER NOT NULL DEFAULT 0,
    attempt_count INTEGER NOT NULL DEFAULT 1,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    optional BOOLEAN NOT NULL DEFAULT FALSE,
    checkpoint_step INTEGER NOT NULL DEFAULT 0,
    checkpoint_data BLOB,
    payload BLOB,
    result BLOB,
    last_error TEXT NOT NULL DEFAULT '',
    credits_used INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (run_id, subtask_index),
    CHECK (attempt_count <= max_attempts)
);

CREATE INDEX IF NOT EXISTS idx_subtasks_run ON subtasks(run_id, subtask_index);
CREATE INDEX IF NOT EXISTS idx_subtasks_state_heartbeat ON subtasks(state, heartbeat_at);

CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_kind TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    state_version INTEGER NOT NULL,
    transitioned_by TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_entity ON transitions(entity_id, id);
CREATE INDEX IF NOT EXISTS idx_transitions_run ON transitions(run_id, id);

CREATE TRIGGER IF NOT EXISTS transitions_no_update BEFORE UPDATE ON transitions
BEGIN
    SELECT RAISE(ABORT, 'transitions are append-only');
END;

CREATE TRIGGER IF NOT EXISTS transitions_no_delete BEFORE DELETE ON transitions
BEGIN
    SELECT RAISE(ABORT, 'transitions are append-only');
END;

CREATE TABLE IF NOT EXISTS checkpoints (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    step INTEGER NOT NULL,
    schema_version TEXT NOT NULL DEFAULT '',
    data BLOB,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_entity_step ON checkpoints(entity_id, step);
`
