// Package domain holds the records postpilot schedules and publishes:
// posts (content items), users (delegated platform credentials) and
// append-only audit entries, plus the dispatch error taxonomy.
package domain
