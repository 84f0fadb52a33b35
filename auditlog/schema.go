package auditlog

// schemaSQL is the DDL for the audit trail.
const schemaSQL = `
-- One row per executed operation
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY,
    session_id TEXT,
    operation TEXT NOT NULL,
    filter_key TEXT,
    territory TEXT,
    duration_ms INTEGER DEFAULT 0,
    row_count INTEGER DEFAULT 0,
    cache_hit BOOLEAN DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_log(operation);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`
