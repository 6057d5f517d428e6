// Package driveops provides supporting helpers around the Graph API client
// used by both the CLI file-op commands and the sync engine: content hashing
// for change detection and conflict comparison, and on-disk persistence of
// resumable upload sessions across process restarts.
package driveops
