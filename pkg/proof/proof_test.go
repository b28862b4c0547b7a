package proof

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/typecheck"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

func init() {
	log.Init(log.Config{Verbosity: log.Silent})
}

func obligation(kind types.ProofKind, contract string) types.Obligation {
	return types.Obligation{
		Kind:          kind,
		Contract:      contract,
		WitnessFields: []string{"hexad_id"},
		CircuitID:     "circuit-" + string(kind),
	}
}

func TestCertificateRoundTrip(t *testing.T) {
	v := NewVerifier(AcceptAll, time.Second)
	plan := &typecheck.ProofPlan{
		Strategy:    typecheck.StrategyIndependent,
		Obligations: []types.Obligation{obligation(types.ProofExistence, "presence")},
	}

	certs, err := v.Discharge(context.Background(), plan, []map[string]any{{"hexad_id": []string{"ent-1"}}})
	require.NoError(t, err)
	require.Len(t, certs, 1)

	require.NoError(t, VerifyCertificate(certs[0]))
}

func TestCertificateTamperDetection(t *testing.T) {
	v := NewVerifier(AcceptAll, time.Second)
	plan := &typecheck.ProofPlan{
		Strategy:    typecheck.StrategyIndependent,
		Obligations: []types.Obligation{obligation(types.ProofIntegrity, "tamper-free")},
	}

	certs, err := v.Discharge(context.Background(), plan, []map[string]any{{"hexad_id": []string{"ent-1"}}})
	require.NoError(t, err)
	cert := certs[0]

	mutations := []func(c *types.Certificate){
		func(c *types.Certificate) { c.Witness["hexad_id"] = []string{"ent-2"} },
		func(c *types.Certificate) { c.Timestamp = c.Timestamp.Add(time.Second) },
		func(c *types.Certificate) { c.Obligation.Contract = "other" },
		func(c *types.Certificate) { c.IntegrityHash = "0000" },
	}
	for i, mutate := range mutations {
		cp := *cert
		cp.Witness = map[string]any{}
		for k, val := range cert.Witness {
			cp.Witness[k] = val
		}
		mutate(&cp)
		assert.Error(t, VerifyCertificate(&cp), "mutation %d must invalidate the certificate", i)
	}
}

func TestSequentialCitationTimestampPrecedesProvenance(t *testing.T) {
	base := time.Now().UTC()
	tick := 0
	v := NewVerifier(AcceptAll, time.Second)
	v.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	plan := &typecheck.ProofPlan{
		Strategy: typecheck.StrategySequential,
		Obligations: []types.Obligation{
			obligation(types.ProofCitation, "sources"),
			obligation(types.ProofProvenance, "chain"),
		},
	}
	certs, err := v.Discharge(context.Background(), plan, []map[string]any{
		{"citations": []string{"a"}},
		{"source_chain": []string{"s1"}},
	})
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.Equal(t, types.ProofCitation, certs[0].Kind)
	assert.True(t, certs[0].Timestamp.Before(certs[1].Timestamp),
		"citation certificate must precede provenance")
}

func TestProofFailureIsFatal(t *testing.T) {
	prover := ProverFunc(func(ctx context.Context, o types.Obligation, w map[string]any) error {
		if o.Kind == types.ProofIntegrity {
			return errors.New("hash mismatch")
		}
		return nil
	})
	v := NewVerifier(prover, time.Second)

	plan := &typecheck.ProofPlan{
		Strategy: typecheck.StrategyIndependent,
		Obligations: []types.Obligation{
			obligation(types.ProofExistence, "presence"),
			obligation(types.ProofIntegrity, "tamper-free"),
		},
	}
	_, err := v.Discharge(context.Background(), plan, []map[string]any{{}, {}})
	require.Error(t, err)

	var e *verr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, verr.CodeProofFailed, e.Code)
	assert.False(t, e.Recoverable)
}

func TestWitnessCountMismatch(t *testing.T) {
	v := NewVerifier(AcceptAll, time.Second)
	plan := &typecheck.ProofPlan{
		Obligations: []types.Obligation{obligation(types.ProofExistence, "presence")},
	}
	_, err := v.Discharge(context.Background(), plan, nil)
	require.Error(t, err)
}

func TestIntegrityHashDeterministic(t *testing.T) {
	o := obligation(types.ProofExistence, "presence")
	w := map[string]any{"hexad_id": []string{"a", "b"}}
	ts := time.Now().UTC()

	assert.Equal(t, IntegrityHash(o, w, ts), IntegrityHash(o, w, ts))
	assert.NotEqual(t, IntegrityHash(o, w, ts), IntegrityHash(o, w, ts.Add(time.Nanosecond)))
}
