// Package logging provides structured slog-based logging for kbsync with
// size-based file rotation. Stderr output uses a text handler on a TTY and
// JSON otherwise.
package logging
