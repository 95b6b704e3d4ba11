// Package scheduler registers recurring triggers (cron expressions or fixed
// intervals) in a configurable timezone and enqueues a task into the task
// engine each time one fires. It never runs work itself.
package scheduler
