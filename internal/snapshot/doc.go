// Package snapshot records per-directory listings and diffs them against the
// live file system.
//
// A Scanner stores, for every scanned directory, a map of
// filename -> (isDir, modTime) in the pathscanner table. Scan compares the
// stored map with a fresh listing and returns the created, modified and
// deleted entries, then persists the new listing. ScanTree does this
// recursively and expands a deleted directory into everything that was
// recorded beneath it, because a directory's disappearance never shows up
// as individual child removals in a single listing.
//
// The stored snapshot is what makes catch-up reconciliation possible: after
// downtime, ScanTree synthesizes every change that happened while nothing
// was watching.
package snapshot
