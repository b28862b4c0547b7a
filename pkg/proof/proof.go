package proof

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/typecheck"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// Prover is the external proving system. The adapter delegates all
// cryptographic verification through this single interface and does not
// interpret obligation payloads beyond witness assembly.
type Prover interface {
	Verify(ctx context.Context, obligation types.Obligation, witness map[string]any) error
}

// ProverFunc adapts a function to the Prover interface.
type ProverFunc func(ctx context.Context, obligation types.Obligation, witness map[string]any) error

func (f ProverFunc) Verify(ctx context.Context, obligation types.Obligation, witness map[string]any) error {
	return f(ctx, obligation, witness)
}

// AcceptAll is a prover that accepts every obligation. It stands in when
// no external prover is wired (standalone and test deployments).
var AcceptAll = ProverFunc(func(context.Context, types.Obligation, map[string]any) error {
	return nil
})

// Verifier turns obligations plus runtime witnesses into certificates.
type Verifier struct {
	prover   Prover
	deadline time.Duration
	now      func() time.Time
}

// NewVerifier creates a verifier delegating to prover. deadline bounds a
// single obligation verification.
func NewVerifier(prover Prover, deadline time.Duration) *Verifier {
	if prover == nil {
		prover = AcceptAll
	}
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	return &Verifier{prover: prover, deadline: deadline, now: time.Now}
}

// Discharge verifies every obligation of the plan against its witness and
// returns the certificate bundle. Independent plans verify concurrently;
// sequential plans verify in plan order and certificates carry strictly
// increasing timestamps. A failed obligation fails the whole bundle: proof
// failures are never downgraded.
func (v *Verifier) Discharge(ctx context.Context, plan *typecheck.ProofPlan, witnesses []map[string]any) ([]*types.Certificate, error) {
	if plan == nil || len(plan.Obligations) == 0 {
		return nil, nil
	}
	if len(witnesses) != len(plan.Obligations) {
		return nil, verr.Runtime(verr.CodeInternal, "witness count %d does not match obligation count %d",
			len(witnesses), len(plan.Obligations))
	}

	certs := make([]*types.Certificate, len(plan.Obligations))

	if plan.Strategy == typecheck.StrategySequential {
		for i, o := range plan.Obligations {
			cert, err := v.dischargeOne(ctx, o, witnesses[i])
			if err != nil {
				return nil, err
			}
			certs[i] = cert
		}
		return certs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, o := range plan.Obligations {
		g.Go(func() error {
			cert, err := v.dischargeOne(gctx, o, witnesses[i])
			if err != nil {
				return err
			}
			certs[i] = cert
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return certs, nil
}

func (v *Verifier) dischargeOne(ctx context.Context, o types.Obligation, witness map[string]any) (*types.Certificate, error) {
	vctx, cancel := context.WithTimeout(ctx, v.deadline)
	defer cancel()

	if err := v.prover.Verify(vctx, o, witness); err != nil {
		log.WithComponent("proof").Warn().
			Str("kind", string(o.Kind)).
			Str("contract", o.Contract).
			Err(err).
			Msg("obligation verification failed")
		return nil, verr.Type(verr.CodeProofFailed, "obligation %s(%s) failed verification", o.Kind, o.Contract).Wrap(err)
	}

	ts := v.now().UTC()
	return &types.Certificate{
		Kind:          o.Kind,
		Obligation:    o,
		Witness:       witness,
		Timestamp:     ts,
		IntegrityHash: IntegrityHash(o, witness, ts),
	}, nil
}

// canonical is the digest input. JSON object keys marshal sorted, so the
// encoding is deterministic for a given (obligation, witness, timestamp).
type canonical struct {
	Obligation types.Obligation `json:"obligation"`
	Witness    map[string]any   `json:"witness"`
	Timestamp  string           `json:"timestamp"`
}

// IntegrityHash computes the SHA-256 digest over the canonicalized
// (obligation, witness, timestamp). The certificate carries no query
// content or PII beyond the witness fields themselves.
func IntegrityHash(o types.Obligation, witness map[string]any, ts time.Time) string {
	data, err := json.Marshal(canonical{
		Obligation: o,
		Witness:    witness,
		Timestamp:  ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyCertificate recomputes the integrity hash and reports whether the
// certificate is intact. Any mutated field changes the digest.
func VerifyCertificate(c *types.Certificate) error {
	if c == nil {
		return verr.Type(verr.CodeProofFailed, "nil certificate")
	}
	want := IntegrityHash(c.Obligation, c.Witness, c.Timestamp)
	if want == "" || want != c.IntegrityHash {
		return verr.Type(verr.CodeProofFailed, "certificate integrity hash mismatch")
	}
	if c.Kind != c.Obligation.Kind {
		return verr.Type(verr.CodeProofFailed, "certificate kind does not match its obligation")
	}
	return nil
}
