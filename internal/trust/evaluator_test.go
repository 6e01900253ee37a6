package trust

import (
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEvaluator_PinnedLeafAccepted(t *testing.T) {
	t.Parallel()

	leaf, _ := generateSelfSignedCert(t, "pinned-peer")
	store := newTestStore(t, Anchor{Certificate: leaf, Mode: AnchorModePinned})

	evaluator, err := NewEvaluator(store)
	require.NoError(t, err)

	decision := evaluator.Evaluate([]*x509.Certificate{leaf})

	assert.True(t, decision.Accepted())
	assert.Equal(t, ReasonNone, decision.Reason)
	require.NotNil(t, decision.Peer)
	assert.Equal(t, TrustModePinned, decision.Peer.Mode)
	assert.Equal(t, leaf.Subject.String(), decision.Peer.SubjectDN)
	assert.Equal(t, leaf.SerialNumber.String(), decision.Peer.Serial)
}

func TestEvaluator_DifferentCertSameDNRejected(t *testing.T) {
	t.Parallel()

	pinned, _ := generateSelfSignedCert(t, "pinned-peer")
	imposter, _ := generateSelfSignedCert(t, "pinned-peer")
	store := newTestStore(t, Anchor{Certificate: pinned, Mode: AnchorModePinned})

	evaluator, err := NewEvaluator(store)
	require.NoError(t, err)

	decision := evaluator.Evaluate([]*x509.Certificate{imposter})

	assert.False(t, decision.Accepted())
	assert.Equal(t, ReasonUntrustedChain, decision.Reason)
}

func TestEvaluator_ChainToAuthorityAccepted(t *testing.T) {
	t.Parallel()

	caCert, caKey := generateTestCA(t, "Test Root CA")
	leaf, _ := generateLeafCert(t, "client", caCert, caKey)
	store := newTestStore(t, Anchor{Certificate: caCert, Mode: AnchorModeAuthority})

	evaluator, err := NewEvaluator(store)
	require.NoError(t, err)

	decision := evaluator.Evaluate([]*x509.Certificate{leaf})

	assert.True(t, decision.Accepted())
	require.NotNil(t, decision.Peer)
	assert.Equal(t, TrustModeCA, decision.Peer.Mode)
}

func TestEvaluator_ChainThroughIntermediateAccepted(t *testing.T) {
	t.Parallel()

	rootCert, rootKey := generateTestCA(t, "Test Root CA")
	interCert, interKey := generateIntermediateCA(t, "Test Intermediate CA", rootCert, rootKey)
	leaf, _ := generateLeafCert(t, "client", interCert, interKey)
	store := newTestStore(t, Anchor{Certificate: rootCert, Mode: AnchorModeAuthority})

	evaluator, err := NewEvaluator(store)
	require.NoError(t, err)

	decision := evaluator.Evaluate([]*x509.Certificate{leaf, interCert})

	assert.True(t, decision.Accepted())
	assert.Equal(t, TrustModeCA, decision.Peer.Mode)
}

func TestEvaluator_UnknownCARejected(t *testing.T) {
	t.Parallel()

	trustedCA, _ := generateTestCA(t, "Trusted CA")
	otherCA, otherKey := generateTestCA(t, "Other CA")
	leaf, _ := generateLeafCert(t, "client", otherCA, otherKey)
	store := newTestStore(t, Anchor{Certificate: trustedCA, Mode: AnchorModeAuthority})

	evaluator, err := NewEvaluator(store)
	require.NoError(t, err)

	// Presenting the issuing CA in the chain does not help: it is not in
	// the store.
	decision := evaluator.Evaluate([]*x509.Certificate{leaf, otherCA})

	assert.False(t, decision.Accepted())
	assert.Equal(t, ReasonUntrustedChain, decision.Reason)
}

func TestEvaluator_EmptyChainRejected(t *testing.T) {
	t.Parallel()

	caCert, _ := generateTestCA(t, "Test CA")
	store := newTestStore(t, Anchor{Certificate: caCert, Mode: AnchorModeAuthority})

	evaluator, err := NewEvaluator(store)
	require.NoError(t, err)

	decision := evaluator.Evaluate(nil)

	assert.False(t, decision.Accepted())
	assert.Equal(t, ReasonEmptyChain, decision.Reason)
}

func TestEvaluator_ExpiredLeafRejected(t *testing.T) {
	t.Parallel()

	caCert, caKey := generateTestCA(t, "Test CA")
	leaf, _ := generateLeafCert(t, "client", caCert, caKey)
	store := newTestStore(t, Anchor{Certificate: caCert, Mode: AnchorModeAuthority})

	// Advance the evaluator's clock past the leaf expiry while the anchor
	// set stays as loaded.
	clock := clockwork.NewFakeClockAt(leaf.NotAfter.Add(time.Hour))
	evaluator, err := NewEvaluator(store, WithEvaluatorClock(clock))
	require.NoError(t, err)

	decision := evaluator.Evaluate([]*x509.Certificate{leaf})

	assert.False(t, decision.Accepted())
	assert.Equal(t, ReasonExpired, decision.Reason)
}

func TestEvaluator_ExpiredPinnedLeafRejected(t *testing.T) {
	t.Parallel()

	leaf, _ := generateSelfSignedCert(t, "pinned-peer")
	store := newTestStore(t, Anchor{Certificate: leaf, Mode: AnchorModePinned})

	// Expiry rejects before the pin check runs, so even an exact pinned
	// match fails once the leaf is outside its window.
	clock := clockwork.NewFakeClockAt(leaf.NotAfter.Add(time.Minute))
	evaluator, err := NewEvaluator(store, WithEvaluatorClock(clock))
	require.NoError(t, err)

	decision := evaluator.Evaluate([]*x509.Certificate{leaf})

	assert.False(t, decision.Accepted())
	assert.Equal(t, ReasonExpired, decision.Reason)
}

func TestEvaluator_NotYetValidLeafRejected(t *testing.T) {
	t.Parallel()

	caCert, caKey := generateTestCA(t, "Test CA")
	leaf, _ := generateLeafCert(t, "client", caCert, caKey)
	store := newTestStore(t, Anchor{Certificate: caCert, Mode: AnchorModeAuthority})

	clock := clockwork.NewFakeClockAt(leaf.NotBefore.Add(-time.Hour))
	evaluator, err := NewEvaluator(store, WithEvaluatorClock(clock))
	require.NoError(t, err)

	decision := evaluator.Evaluate([]*x509.Certificate{leaf})

	assert.False(t, decision.Accepted())
	assert.Equal(t, ReasonExpired, decision.Reason)
}

func TestEvaluator_PinWinsOverChain(t *testing.T) {
	t.Parallel()

	caCert, caKey := generateTestCA(t, "Test CA")
	leaf, _ := generateLeafCert(t, "client", caCert, caKey)

	// Both a pin for the exact leaf and a CA path exist; the pin is the
	// more specific assertion and decides the trust mode.
	store := newTestStore(t,
		Anchor{Certificate: leaf, Mode: AnchorModePinned},
		Anchor{Certificate: caCert, Mode: AnchorModeAuthority},
	)

	evaluator, err := NewEvaluator(store)
	require.NoError(t, err)

	decision := evaluator.Evaluate([]*x509.Certificate{leaf})

	assert.True(t, decision.Accepted())
	assert.Equal(t, TrustModePinned, decision.Peer.Mode)
}

func TestEvaluator_DepthCapStopsWalk(t *testing.T) {
	t.Parallel()

	rootCert, rootKey := generateTestCA(t, "Depth Root")

	parent, parentKey := rootCert, rootKey
	var intermediates []*x509.Certificate
	for i := 0; i < 4; i++ {
		cert, key := generateIntermediateCA(t, "Depth Intermediate", parent, parentKey)
		intermediates = append(intermediates, cert)
		parent, parentKey = cert, key
	}
	leaf, _ := generateLeafCert(t, "deep-client", parent, parentKey)

	store := newTestStore(t, Anchor{Certificate: rootCert, Mode: AnchorModeAuthority})

	// A cap shorter than the chain rejects; the default cap accepts.
	shallow, err := NewEvaluator(store, WithMaxChainDepth(2))
	require.NoError(t, err)
	decision := shallow.Evaluate(append([]*x509.Certificate{leaf}, intermediates...))
	assert.False(t, decision.Accepted())
	assert.Equal(t, ReasonUntrustedChain, decision.Reason)

	deep, err := NewEvaluator(store)
	require.NoError(t, err)
	decision = deep.Evaluate(append([]*x509.Certificate{leaf}, intermediates...))
	assert.True(t, decision.Accepted())
}

func TestEvaluator_IntermediateWithoutAnchorRejected(t *testing.T) {
	t.Parallel()

	rootCert, rootKey := generateTestCA(t, "Offline Root")
	interCert, interKey := generateIntermediateCA(t, "Online Intermediate", rootCert, rootKey)
	leaf, _ := generateLeafCert(t, "client", interCert, interKey)

	// Only an unrelated CA is anchored; the presented path ends at a root
	// the store does not hold.
	unrelatedCA, _ := generateTestCA(t, "Unrelated CA")
	store := newTestStore(t, Anchor{Certificate: unrelatedCA, Mode: AnchorModeAuthority})

	evaluator, err := NewEvaluator(store)
	require.NoError(t, err)

	decision := evaluator.Evaluate([]*x509.Certificate{leaf, interCert, rootCert})

	assert.False(t, decision.Accepted())
	assert.Equal(t, ReasonUntrustedChain, decision.Reason)
}

func TestEvaluator_DeterministicAcrossRepeats(t *testing.T) {
	t.Parallel()

	caCert, caKey := generateTestCA(t, "Test CA")
	trustedLeaf, _ := generateLeafCert(t, "trusted", caCert, caKey)
	untrustedLeaf, _ := generateSelfSignedCert(t, "untrusted")
	pinnedLeaf, _ := generateSelfSignedCert(t, "pinned")

	store := newTestStore(t,
		Anchor{Certificate: caCert, Mode: AnchorModeAuthority},
		Anchor{Certificate: pinnedLeaf, Mode: AnchorModePinned},
	)
	evaluator, err := NewEvaluator(store)
	require.NoError(t, err)

	chains := [][]*x509.Certificate{
		{trustedLeaf},
		{untrustedLeaf},
		{pinnedLeaf},
		nil,
	}

	rapid.Check(t, func(rt *rapid.T) {
		chain := chains[rapid.IntRange(0, len(chains)-1).Draw(rt, "chain")]

		first := evaluator.Evaluate(chain)
		for i := 0; i < rapid.IntRange(1, 5).Draw(rt, "repeats"); i++ {
			again := evaluator.Evaluate(chain)
			if first.Outcome != again.Outcome || first.Reason != again.Reason {
				rt.Fatalf("evaluation not deterministic: %+v vs %+v", first, again)
			}
		}
	})
}

func TestEvaluator_ConcurrentEvaluateAndReload(t *testing.T) {
	t.Parallel()

	oldCA, oldKey := generateTestCA(t, "Old CA")
	newCA, newKey := generateTestCA(t, "New CA")
	oldLeaf, _ := generateLeafCert(t, "old-client", oldCA, oldKey)
	newLeaf, _ := generateLeafCert(t, "new-client", newCA, newKey)

	oldSet, err := NewSet([]Anchor{{Certificate: oldCA, Mode: AnchorModeAuthority}})
	require.NoError(t, err)
	newSet, err := NewSet([]Anchor{{Certificate: newCA, Mode: AnchorModeAuthority}})
	require.NoError(t, err)

	store, err := NewStore(oldSet)
	require.NoError(t, err)
	evaluator, err := NewEvaluator(store)
	require.NoError(t, err)

	// Every evaluation must see exactly one of the two sets: a decision
	// that rejects both leaves or accepts both would indicate a torn set.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				oldDecision := evaluator.Evaluate([]*x509.Certificate{oldLeaf})
				newDecision := evaluator.Evaluate([]*x509.Certificate{newLeaf})
				// Within one snapshot exactly one CA is anchored, but
				// the two Evaluate calls may straddle a reload, so the
				// only global invariant is a valid reason taxonomy.
				for _, d := range []Decision{oldDecision, newDecision} {
					if !d.Accepted() && d.Reason != ReasonUntrustedChain {
						t.Errorf("unexpected reject reason %q", d.Reason)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		require.NoError(t, store.Reload(newSet))
		require.NoError(t, store.Reload(oldSet))
	}

	wg.Wait()
}

func TestEvaluator_NilStoreRejected(t *testing.T) {
	t.Parallel()

	_, err := NewEvaluator(nil)
	require.Error(t, err)
}
