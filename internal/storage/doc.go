// Package storage persists what rcbot has announced and the notifier's
// dedup windows, so both survive a restart.
//
// Two drivers exist: "file" (JSON Lines journals next to a path prefix) and
// "sqlite" (a single database file). Watcher state itself is never stored.
package storage
