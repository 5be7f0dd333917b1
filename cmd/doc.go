// Package cmd implements the journal-crawler command line.
//
// Architecture overview:
//   - Catalog: internal/catalog loads the YAML stream catalog (journal families and their streams) and supplies
//     the per-stream archive parser and item extractor.
//   - Fetch strategy: internal/strategy.Selector tries the Colly direct backend first and escalates to the
//     Chromedp browser backend when a page is blocked or challenged. internal/antibot decides what counts as a
//     challenge and waits one out with an escalating poll staircase.
//   - Windowing: internal/checkpoint derives each stream's crawl window from its stored checkpoint, and
//     internal/archive picks the issues inside it, falling back to the nearest dated issues when none match.
//   - Classification: internal/consensus runs two judge passes per batch and breaks disagreements with a third
//     call. internal/judge talks to an OpenAI-compatible chat completions endpoint.
//   - Persistence: articles, checkpoints and the failed-stream registry live in SQLite (default) or Postgres.
//     Run reports go to a local directory or a GCS bucket; relevant articles can be announced on Pub/Sub.
//
// Operational notes:
//   - Streams run one after another; a failing stream never stops the run and is retried next time via the
//     failed-stream registry (crawl --failed-only).
//   - The process reacts to SIGINT/SIGTERM by cancelling the pass in flight. Failures and exports are still
//     recorded for the outcomes gathered so far.
//   - Setting metrics.addr serves /metrics and run progress (/v1/run) while a crawl is running.
//   - Configure via a YAML file (--config) or JCRAWL_* environment variables, e.g. JCRAWL_JUDGE_API_KEY.
package cmd
