// Package pipeline drives one build attempt from compose to commit.
//
// A run moves through these states:
//
//	INIT -> COMPOSE_OR_SKIP -> SKIPPED -> DONE
//	                        -> COMPOSED -> IMAGE_BUILD -> METADATA_MERGE -> COMMIT -> PRUNE -> DONE
//
// ABORTED is reachable from any state before DONE. The history lock is held
// from INIT until the run ends, and an interrupted commit from an earlier
// run is recovered before INIT reads history.
//
// Failures before COMMIT leave history untouched and keep the staging area,
// so the next run with the same inputs resumes it: image files already in
// staging are not generated again.
//
// All per-run state lives in a runContext threaded through the stages.
package pipeline
