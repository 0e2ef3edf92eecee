// Package domain provides the shared types of the speckit pipeline.
//
// This package contains type definitions and small pure helpers only. All
// other internal packages import domain; domain imports nothing internal.
//
// Key design constraints:
//   - All JSON tags use snake_case
//   - Every persisted row carries the RunID of the invocation that wrote it
//   - Rows are ordered by Seq (logical clock), never by wall-clock time
package domain
