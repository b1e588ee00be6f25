// Package history produces bounded, optionally keyword-filtered backfills
// of a chat's messages. Each extraction checks a session out of the
// history pool, streams progress to the caller, and concludes with a
// payload that can be exported as a spreadsheet.
package history
