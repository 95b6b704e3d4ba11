// Package notifier delivers failure alerts for posts that could not be
// published.
//
// A failure has two independent effects. An alert is fanned out to every
// configured sink (webhook, Telegram chat) through a queue + worker pool +
// rate limiter + bounded retry pipeline; delivery is asynchronous and
// best-effort. An error entry is appended to the audit log synchronously.
// Neither effect can fail the caller: NotifyFailure has no error return.
package notifier
