package postgres

// schema is applied by Migrate. Every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id                   TEXT PRIMARY KEY,
    email                TEXT NOT NULL UNIQUE,
    password_hash        TEXT NOT NULL,
    active               BOOLEAN NOT NULL DEFAULT TRUE,
    email_verified       BOOLEAN NOT NULL DEFAULT FALSE,
    mfa_enabled          BOOLEAN NOT NULL DEFAULT FALSE,
    enforce_device_trust BOOLEAN NOT NULL DEFAULT FALSE,
    role                 TEXT,
    organization         TEXT,
    custom_permissions   TEXT[] NOT NULL DEFAULT '{}',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS mfa_secrets (
    id           TEXT PRIMARY KEY,
    account_id   TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
    secret       TEXT NOT NULL,
    active       BOOLEAN NOT NULL DEFAULT FALSE,
    backup_codes TEXT[] NOT NULL DEFAULT '{}',
    use_count    BIGINT NOT NULL DEFAULT 0,
    last_used_at TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS mfa_secrets_one_active ON mfa_secrets (account_id) WHERE active;

CREATE TABLE IF NOT EXISTS trusted_devices (
    account_id       TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
    fingerprint_hash TEXT NOT NULL,
    active           BOOLEAN NOT NULL DEFAULT TRUE,
    last_seen_at     TIMESTAMPTZ NOT NULL,
    last_ip          TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (account_id, fingerprint_hash)
);

CREATE TABLE IF NOT EXISTS token_records (
    jti        TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    token_type TEXT NOT NULL DEFAULT '',
    expires_at TIMESTAMPTZ NOT NULL,
    revoked    BOOLEAN NOT NULL DEFAULT FALSE,
    reason     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    revoked_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS token_records_account ON token_records (account_id) WHERE NOT revoked;

CREATE TABLE IF NOT EXISTS sessions (
    id                 TEXT PRIMARY KEY,
    account_id         TEXT NOT NULL,
    device_hash        TEXT NOT NULL DEFAULT '',
    ip                 TEXT NOT NULL DEFAULT '',
    user_agent         TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL,
    expires_at         TIMESTAMPTZ NOT NULL,
    last_activity_at   TIMESTAMPTZ NOT NULL,
    active             BOOLEAN NOT NULL DEFAULT TRUE,
    terminated_at      TIMESTAMPTZ,
    termination_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS sessions_account_active ON sessions (account_id) WHERE active;

CREATE TABLE IF NOT EXISTS security_events (
    id         TEXT PRIMARY KEY,
    occurred_at TIMESTAMPTZ NOT NULL,
    type       TEXT NOT NULL,
    severity   TEXT NOT NULL,
    account_id TEXT,
    ip         TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    success    BOOLEAN NOT NULL,
    error      TEXT NOT NULL DEFAULT '',
    detail     JSONB
);
CREATE INDEX IF NOT EXISTS security_events_account ON security_events (account_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS password_resets (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
    token_hash TEXT NOT NULL UNIQUE,
    expires_at TIMESTAMPTZ NOT NULL,
    used_at    TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL
);
`
