package sqlite

// Timestamps are unix milliseconds so range predicates compare integers.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id                   TEXT PRIMARY KEY,
    email                TEXT NOT NULL UNIQUE COLLATE NOCASE,
    password_hash        TEXT NOT NULL,
    active               INTEGER NOT NULL DEFAULT 1,
    email_verified       INTEGER NOT NULL DEFAULT 0,
    mfa_enabled          INTEGER NOT NULL DEFAULT 0,
    enforce_device_trust INTEGER NOT NULL DEFAULT 0,
    role                 TEXT,
    organization         TEXT,
    custom_permissions   TEXT NOT NULL DEFAULT '[]',
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mfa_secrets (
    id           TEXT PRIMARY KEY,
    account_id   TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
    secret       TEXT NOT NULL,
    active       INTEGER NOT NULL DEFAULT 0,
    use_count    INTEGER NOT NULL DEFAULT 0,
    last_used_at INTEGER,
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mfa_secrets_account ON mfa_secrets (account_id, active);

CREATE TABLE IF NOT EXISTS mfa_backup_codes (
    secret_id TEXT NOT NULL REFERENCES mfa_secrets (id) ON DELETE CASCADE,
    code_hash TEXT NOT NULL,
    PRIMARY KEY (secret_id, code_hash)
);

CREATE TABLE IF NOT EXISTS trusted_devices (
    account_id       TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
    fingerprint_hash TEXT NOT NULL,
    active           INTEGER NOT NULL DEFAULT 1,
    last_seen_at     INTEGER NOT NULL,
    last_ip          TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    PRIMARY KEY (account_id, fingerprint_hash)
);

CREATE TABLE IF NOT EXISTS token_records (
    jti        TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    token_type TEXT NOT NULL DEFAULT '',
    expires_at INTEGER NOT NULL,
    revoked    INTEGER NOT NULL DEFAULT 0,
    reason     TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    revoked_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_token_records_account ON token_records (account_id, revoked);

CREATE TABLE IF NOT EXISTS sessions (
    id                 TEXT PRIMARY KEY,
    account_id         TEXT NOT NULL,
    device_hash        TEXT NOT NULL DEFAULT '',
    ip                 TEXT NOT NULL DEFAULT '',
    user_agent         TEXT NOT NULL DEFAULT '',
    created_at         INTEGER NOT NULL,
    expires_at         INTEGER NOT NULL,
    last_activity_at   INTEGER NOT NULL,
    active             INTEGER NOT NULL DEFAULT 1,
    terminated_at      INTEGER,
    termination_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_account ON sessions (account_id, active);

CREATE TABLE IF NOT EXISTS security_events (
    id          TEXT PRIMARY KEY,
    occurred_at INTEGER NOT NULL,
    type        TEXT NOT NULL,
    severity    TEXT NOT NULL,
    account_id  TEXT NOT NULL DEFAULT '',
    ip          TEXT NOT NULL DEFAULT '',
    user_agent  TEXT NOT NULL DEFAULT '',
    success     INTEGER NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    detail      TEXT
);
CREATE INDEX IF NOT EXISTS idx_security_events_account ON security_events (account_id, occurred_at);

CREATE TABLE IF NOT EXISTS password_resets (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
    token_hash TEXT NOT NULL UNIQUE,
    expires_at INTEGER NOT NULL,
    used_at    INTEGER,
    created_at INTEGER NOT NULL
);
`
