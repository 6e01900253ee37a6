// Package trust holds the trust anchor store and the trust policy
// evaluator that decides whether a peer's presented certificate chain is
// authorized.
//
// Trust can be established two ways: direct identity pinning, where an
// exact certificate is enumerated in the store, and chain-of-trust
// validation, where any certificate with a valid signature path to a
// configured authority anchor is accepted. A store may hold both kinds of
// anchor at once; the evaluator resolves the mix deterministically by
// checking pins first.
//
// The anchor set is loaded once and swapped atomically on reload, so
// concurrent evaluations never observe a torn set. The evaluator itself is
// side-effect free, which keeps it unit-testable without a network stack.
package trust
