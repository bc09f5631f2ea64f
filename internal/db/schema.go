package db

// Timestamps are always written by the application in UTC so that SQLite's
// text representation sorts chronologically.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS email_threads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    subject TEXT NOT NULL DEFAULT '',
    participant_emails TEXT NOT NULL DEFAULT '[]', -- JSON array, set semantics
    email_count INTEGER NOT NULL DEFAULT 0,
    has_unread BOOLEAN NOT NULL DEFAULT 0,
    last_activity_at DATETIME NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    supplier_id INTEGER,
    buyer_id INTEGER,
    user_id TEXT,
    version INTEGER NOT NULL DEFAULT 0, -- bumped by every metadata update
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS emails (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL DEFAULT '',
    in_reply_to TEXT NOT NULL DEFAULT '',
    thread_references TEXT NOT NULL DEFAULT '', -- space separated Message-IDs
    thread_id INTEGER REFERENCES email_threads(id) ON DELETE SET NULL,
    from_email TEXT NOT NULL,
    to_email TEXT NOT NULL,
    cc_email TEXT NOT NULL DEFAULT '',
    bcc_email TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    html_body TEXT NOT NULL DEFAULT '',
    plain_text_body TEXT NOT NULL DEFAULT '',
    direction TEXT NOT NULL,
    status TEXT NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    supplier_id INTEGER,
    buyer_id INTEGER,
    user_id TEXT,
    meta_data TEXT,
    error_message TEXT,
    is_high_priority BOOLEAN NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    sent_at DATETIME,
    failed_at DATETIME,
    received_at DATETIME,
    read_at DATETIME,
    archived_at DATETIME,
    deleted_at DATETIME
);

CREATE TABLE IF NOT EXISTS email_attachments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email_id INTEGER NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
    file_name TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
    content BLOB,
    blob_url TEXT,
    file_size INTEGER NOT NULL DEFAULT 0,
    is_inline BOOLEAN NOT NULL DEFAULT 0,
    content_id TEXT,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_emails_thread ON emails(thread_id);
CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(message_id);
CREATE INDEX IF NOT EXISTS idx_emails_pair ON emails(from_email, to_email, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_emails_created ON emails(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_emails_deleted ON emails(deleted_at);
CREATE INDEX IF NOT EXISTS idx_emails_status ON emails(status, created_at);
CREATE INDEX IF NOT EXISTS idx_attachments_email ON email_attachments(email_id);
CREATE INDEX IF NOT EXISTS idx_threads_activity ON email_threads(last_activity_at DESC);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS email_threads (
    id BIGSERIAL PRIMARY KEY,
    subject TEXT NOT NULL DEFAULT '',
    participant_emails TEXT NOT NULL DEFAULT '[]',
    email_count INTEGER NOT NULL DEFAULT 0,
    has_unread BOOLEAN NOT NULL DEFAULT FALSE,
    last_activity_at TIMESTAMPTZ NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    supplier_id BIGINT,
    buyer_id BIGINT,
    user_id TEXT,
    version INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS emails (
    id BIGSERIAL PRIMARY KEY,
    message_id TEXT NOT NULL DEFAULT '',
    in_reply_to TEXT NOT NULL DEFAULT '',
    thread_references TEXT NOT NULL DEFAULT '',
    thread_id BIGINT REFERENCES email_threads(id) ON DELETE SET NULL,
    from_email TEXT NOT NULL,
    to_email TEXT NOT NULL,
    cc_email TEXT NOT NULL DEFAULT '',
    bcc_email TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    html_body TEXT NOT NULL DEFAULT '',
    plain_text_body TEXT NOT NULL DEFAULT '',
    direction TEXT NOT NULL,
    status TEXT NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    supplier_id BIGINT,
    buyer_id BIGINT,
    user_id TEXT,
    meta_data TEXT,
    error_message TEXT,
    is_high_priority BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    sent_at TIMESTAMPTZ,
    failed_at TIMESTAMPTZ,
    received_at TIMESTAMPTZ,
    read_at TIMESTAMPTZ,
    archived_at TIMESTAMPTZ,
    deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS email_attachments (
    id BIGSERIAL PRIMARY KEY,
    email_id BIGINT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
    file_name TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
    content BYTEA,
    blob_url TEXT,
    file_size BIGINT NOT NULL DEFAULT 0,
    is_inline BOOLEAN NOT NULL DEFAULT FALSE,
    content_id TEXT,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_emails_thread ON emails(thread_id);
CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(message_id);
CREATE INDEX IF NOT EXISTS idx_emails_pair ON emails(from_email, to_email, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_emails_created ON emails(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_emails_deleted ON emails(deleted_at);
CREATE INDEX IF NOT EXISTS idx_emails_status ON emails(status, created_at);
CREATE INDEX IF NOT EXISTS idx_attachments_email ON email_attachments(email_id);
CREATE INDEX IF NOT EXISTS idx_threads_activity ON email_threads(last_activity_at DESC);
`
