// Package types defines the shared identifiers, outcome structs, and error
// taxonomy used across the write-back cache and its collaborators.
//
// The cache itself lives in package cache; this package only carries the
// vocabulary that the engine, the transport, and the page cache need to
// agree on: file and page identities, byte ranges, durability levels, the
// commit verifier token, and a typed Error that classifies failures so
// callers can branch on intent rather than message text.
package types
