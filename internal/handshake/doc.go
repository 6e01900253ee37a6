// Package handshake coordinates mutual-TLS handshakes over raw TCP
// connections.
//
// The Coordinator wires the identity store and trust evaluator into a
// per-connection tls.Config and tracks each handshake through an explicit
// state machine: start, version negotiated, local certificate sent, peer
// certificate requested, peer certificate received, trust evaluated, and
// finally established or aborted. Aborts carry a reason from the trust
// taxonomy; handshakes that exceed the configured deadline abort with the
// timeout reason.
//
// A successful handshake produces an immutable Session holding the
// negotiated parameters and the decision that admitted the peer. The Server
// runs the accept loop with a connection cap and an optional rate limit,
// handing each session to an injected handler.
package handshake
