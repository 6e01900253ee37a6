// Package identity manages the local TLS identity: the certificate chain and
// private key presented during handshakes.
//
// An Identity is parsed and validated up front (key match, chain contiguity,
// leaf validity window) so that a broken credential fails loading rather than
// surfacing mid-handshake. The Store holds the active identity behind an
// atomic pointer, letting handshakes read a consistent snapshot while sources
// rotate it in the background.
//
// Two sources are provided: FileSource watches PEM files on disk and rotates
// on rewrite, and VaultSource issues certificates from a Vault PKI secrets
// engine and re-issues them ahead of expiry. A failed rotation from either
// source keeps the previous identity serving.
package identity
