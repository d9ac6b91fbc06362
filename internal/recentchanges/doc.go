// Package recentchanges turns a MediaWiki recent-changes feed into short,
// batched announcements.
//
// A Watcher polls one feed through a Fetcher, groups changes by page
// (SubjectKey), holds each page back while it is still being edited
// (Policy), formats the accumulated changes into one line per page
// (Formatter) and forgets pages that have been quiet for a day.
//
// A Watcher is owned by exactly one feed; Refresh is not reentrant and
// serializes callers. Watchers for different feeds share nothing.
package recentchanges
