// Package tablesync extracts rows from MySQL tables into delimited flat
// files, incrementally and resiliently. It is built for long-running jobs
// over unstable links: extraction survives dropped connections, resumes
// from a durable per-table cursor without duplicating rows, throttles
// itself when the source degrades, and stops cleanly on interrupt.
//
// # Architecture
//
// Extraction is single-threaded and cooperative per table; databases and
// tables are processed sequentially. The engine is composed of small
// packages wired together by the orchestrator:
//
//	pkg/mysql      - connection lifecycle, SSH tunnel, liveness, retry,
//	                 schema resolution and row counting
//	pkg/extract    - keyset pagination loop (WHERE pk > cursor ORDER BY pk)
//	pkg/checkpoint - durable per-table cursor, flushed after every batch
//	pkg/pacer      - adaptive inter-batch pause from throughput samples
//	pkg/lifecycle  - signal-driven cooperative cancellation
//	pkg/sink       - delimited file destination with optional compression
//	pkg/syncer     - per-run orchestration and verification
//
// The cursor is persisted after each batch is durably written and before
// the next fetch, so a crash at any point re-extracts at most the batch in
// flight and never loses rows already on disk.
//
// # Usage
//
// Runs are driven by the tablesync command:
//
//	tablesync sync --config config.json --output-path /data/exports
//	tablesync check
//	tablesync tables
//
// Configuration is a JSON file mapping databases to table specs; tables
// marked incremental carry their cursor (last_id) in the same file.
package tablesync
