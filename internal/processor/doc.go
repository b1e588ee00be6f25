// Package processor decides, for each inbound chat message, whether the
// project owner should be notified, renders the notification, and delivers
// it. Event handlers only enqueue; a bounded worker pool runs the pipeline
// so the inbound event path is never blocked on store reads or sends.
package processor
