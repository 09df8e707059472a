// Package xerrors wraps errors with the caller location so the logger can
// render where each layer of a chain was added, and classifies errors by
// Kind so HTTP handlers can pick a status without string matching.
package xerrors
