package history

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
    build_id TEXT PRIMARY KEY,
    decided_at TIMESTAMP NOT NULL,
    branch TEXT NOT NULL,
    build_type TEXT NOT NULL,
    files_changed INTEGER NOT NULL,
    lines_added INTEGER NOT NULL,
    lines_deleted INTEGER NOT NULL,
    deps_changed INTEGER NOT NULL,
    predicted_cpu REAL NOT NULL,
    predicted_memory_gb REAL NOT NULL,
    predicted_minutes REAL NOT NULL,
    confidence REAL NOT NULL,
    method TEXT,
    model_version TEXT,
    required_gb REAL NOT NULL,
    tier TEXT NOT NULL,
    tier_capacity_gb REAL NOT NULL,
    hourly_cost REAL NOT NULL,
    status TEXT,
    cpu_avg REAL,
    cpu_max REAL,
    memory_avg_mb REAL,
    memory_max_mb REAL,
    build_time_sec REAL,
    samples INTEGER,
    truncated BOOLEAN DEFAULT FALSE,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_decisions_decided_at ON decisions(decided_at);
CREATE INDEX IF NOT EXISTS idx_decisions_tier ON decisions(tier);

CREATE TABLE IF NOT EXISTS training_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    trained BOOLEAN NOT NULL,
    reason TEXT,
    record_count INTEGER,
    r2_score REAL,
    mae REAL,
    training_samples INTEGER,
    test_samples INTEGER,
    model_version TEXT
);

CREATE INDEX IF NOT EXISTS idx_training_runs_started_at ON training_runs(started_at);
`
