// Package trigger submits URLs to the download scheduler on cron or interval
// schedules. Execution, retries and de-duplication stay in the engine.
package trigger
