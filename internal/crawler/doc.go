// Package crawler holds the domain types, collaborator interfaces, error
// taxonomy and shared fetch policies (backoff, user-agent rotation, pausing)
// used by the journal crawl engine.
package crawler
