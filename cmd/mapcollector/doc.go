// Package main hosts the source map collector entrypoint.
//
// Architecture overview:
//   - Observation: `mapcollector observe <url>` drives headless Chrome through chromedp and reports every finished
//     script, stylesheet and document response. `mapcollector serve` accepts the same events from an external
//     browser or proxy on POST /v1/events.
//   - Dispatcher & queue: events flow through a bounded in-memory queue sized by intake.queue_depth and are fanned
//     out to a fixed worker pool sized by intake.workers. Closing the queue drains the pool.
//   - Detection: workers fetch each candidate through a short-lived content cache (colly fetcher with per-host rate
//     limiting), look for a sourceMappingURL comment, and recognize Chrome Web Store and Edge Add-ons pages.
//   - Ingestion: captures of the same source URL are serialized by a FIFO per-key lock. The version resolver
//     decides between NEW, NEW_VERSION and UNCHANGED by content fingerprint, keeps exactly one latest row per
//     source URL, links the capture to its page and stores the parsed sources of each map.
//   - Persistence: the versioned store is memory, SQLite or Postgres (storage.engine). An optional mirror copies
//     committed artifacts to local disk, GCS or S3 and announces them on Pub/Sub or AMQP.
//   - Housekeeping: retention cleanup runs in the background after writes once the stored size passes the
//     configured threshold; `mapcollector cleanup` runs it on demand and `mapcollector export` writes a zip bundle,
//     optionally age-encrypted.
//
// Quick checklist:
//   - Configure env vars with the MAPCOLLECTOR_ prefix, e.g. MAPCOLLECTOR_SERVER_PORT, MAPCOLLECTOR_STORAGE_ENGINE,
//     MAPCOLLECTOR_STORAGE_DSN, MAPCOLLECTOR_MIRROR_ENABLED, or pass --config config.yaml.
//   - Run locally: go run ./cmd/mapcollector serve --config config.yaml
//   - Apply schema ahead of a deploy: go run ./cmd/mapcollector migrate
package main
