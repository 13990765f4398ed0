// Package harness runs build scenarios against a real history.
//
// A scenario is a sequence of build runs with scripted collaborator
// behaviour: which tree the compose tool reports, whether the config
// changed, which image kinds fail. The harness drives the coordinator with
// fake collaborators, a step clock and sequential run ids, so a scenario
// produces the same builds, ids and state traces every time.
//
// # Scenario Format
//
//	name: incremental_sequence
//	description: "Build, skip, bump the generation, start a new tree"
//	images: [qemu, metal]
//	retention: { keep: 3 }
//	steps:
//	  - compose: { tree: T1, version: "41.1", changed: true }
//	    config: 1
//	    expect: { outcome: built, build: "41.1", generation: 0 }
//	  - compose: { tree: T1, version: "41.1" }
//	    config: 1
//	    expect: { outcome: skipped }
//	  - compose: { tree: T1, version: "41.1" }
//	    config: 2
//	    fail: [metal]
//	    expect: { outcome: aborted, error: COLLABORATOR_FAILURE }
//	assertions:
//	  - type: history
//	    builds: ["41.1"]
//	  - type: states
//	    step: 2
//	    states: [INIT, COMPOSE_OR_SKIP, SKIPPED, DONE]
//
// A step's config is a revision number; changing it changes the config
// checksum. Omitted images default to qemu and metal.
//
// # Assertion Types
//
//   - history: committed build ids in index order, newest first
//   - latest: the build latest points at ("" for an empty history)
//   - states: the journaled state sequence of one step
//   - image_count: how often one image kind was generated
//   - staging_count: staging areas left behind
//
// # Golden Snapshots
//
// RunWithGolden compares the per-step outcomes and state traces with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
