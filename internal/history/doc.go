// Package history stores committed builds on disk.
//
// Layout under the history root:
//
//	builds/<build-id>/     one directory per committed build (meta.json, commitmeta.json, images)
//	builds/builds.json     index, newest first
//	builds/latest          symlink to the most recent build directory
//	builds/.commit.json    commit marker, present only while a commit is in flight
//	tmp/staging-<uuid>/    staging areas for builds not yet committed
//	cache/compose/<tree>/  the most recent compose output
//	.lock                  advisory lock held by the running pipeline
//
// # Commit Protocol
//
// Commit is a write-ahead transaction:
//  1. write the commit marker
//  2. rename the staging directory to builds/<id>
//  3. replace the latest symlink (symlink a temporary name, rename over latest)
//  4. prepend the build to the index
//  5. remove the marker
//
// Every step is a single rename or an atomic file replacement, so a crash
// leaves at most one step half done. Recover inspects the marker and either
// rolls the commit forward (directory present and indexed) or back (orphan
// directory and staging removed, latest restored to the index head).
//
// # Readers
//
// Readers never see a partial build: the directory is complete before latest
// or the index mention it. Writers must hold the lock and call Recover before
// reading anything else. Readers call EnsureConsistent, which recovers only
// when no writer holds the lock.
package history
