// Package record defines the Build Record and the error taxonomy shared by
// every other kiln package.
//
// This package contains types only. All other internal packages import
// record; record imports nothing internal, which keeps it the foundational
// layer with no circular dependencies.
//
// Key design constraints:
//   - A committed Build is immutable; nothing in kiln rewrites meta.json
//   - Persisted key names (see keys.go) are a compatibility surface and must
//     not be renamed
//   - Metadata from different sources is combined only through Merge, which
//     applies a fixed, documented precedence
package record
