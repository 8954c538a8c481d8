// Package types provides the unified type definitions for the mnemo
// memory engine: the persisted memory record model, retrieval query and
// result shapes, the structured error taxonomy, and the token counting
// strategy shared by the context window.
//
// Every other package depends on types; types depends on nothing but the
// standard library. Keep it that way.
package types
