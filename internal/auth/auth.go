// Package auth implements the four-stage authentication pipeline: static
// token, on-chain payment receipt, cryptographic DID identity, and
// anonymous free-tier, with a shared verification core and two
// wire-specific adapter thunks.
package auth

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentbridge/internal/domain/identity"
	"agentbridge/internal/shared/apperrors"
)

var errInvalidBase58 = errors.New("auth: invalid base58 character")

// Stage identifies which pipeline stage resolved a request's identity.
type Stage string

const (
	StageStaticToken Stage = "static_token"
	StageReceipt     Stage = "receipt"
	StageDID         Stage = "did"
	StageFreeTier    Stage = "free_tier"
	// StageAnonymous marks a caller admitted without credentials on a
	// deployment that has require_auth disabled; it carries no daily quota.
	StageAnonymous Stage = "anonymous"
)

// Result is the outcome of a successful authentication.
type Result struct {
	Identity identity.Identity
	Stage    Stage
}

// ReceiptValidator validates an opaque x-payment header value and, on
// success, returns the paid identity it should be attributed to. The
// bridge treats on-chain receipt validation as an external collaborator
//; production wiring plugs in whatever scheme x402 settles on.
type ReceiptValidator interface {
	Validate(receipt string) (payerIdentity string, ok bool)
}

// Config controls one Authenticator.
type Config struct {
	// StaticToken, if non-empty, enables stage 1.
	StaticToken string
	// Receipt, if non-nil, enables stage 2 and the 402 fallback.
	Receipt ReceiptValidator
	// Now is injected for deterministic replay-window tests.
	Now func() time.Time
}

// Authenticator evaluates the stages in a fixed order and stops at the
// first that matches.
type Authenticator struct {
	cfg Config
}

// New constructs an Authenticator.
func New(cfg Config) *Authenticator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Authenticator{cfg: cfg}
}

// AuthenticateHTTP is the REST/JSON-RPC adapter thunk.
func (a *Authenticator) AuthenticateHTTP(r *http.Request) (*Result, error) {
	return a.authenticate(r.Method, r.URL.Path, r.Header)
}

// AuthenticateHandshake is the WebSocket adapter thunk: the handshake has
// no body but carries the same headers and an effective method of GET.
func (a *Authenticator) AuthenticateHandshake(path string, header http.Header) (*Result, error) {
	return a.authenticate(http.MethodGet, path, header)
}

func (a *Authenticator) authenticate(method, path string, header http.Header) (*Result, error) {
	if r, ok := a.tryStaticToken(header); ok {
		return r, nil
	}

	receiptHeader := header.Get("x-payment")
	if receiptHeader != "" && a.cfg.Receipt != nil {
		if payer, ok := a.cfg.Receipt.Validate(receiptHeader); ok {
			return &Result{Identity: identity.Identity{ID: payer, Tier: identity.TierPaid}, Stage: StageReceipt}, nil
		}
	}

	if r, err, matched := a.tryDID(method, path, header); matched {
		return r, err
	}

	if r, ok := a.tryFreeTier(header); ok {
		return r, nil
	}

	if a.cfg.Receipt != nil {
		return nil, apperrors.Wrap(apperrors.ErrPaymentRequired, "payment required")
	}
	return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "no valid credentials presented")
}

func (a *Authenticator) tryStaticToken(header http.Header) (*Result, bool) {
	if a.cfg.StaticToken == "" {
		return nil, false
	}
	token := bearerToken(header)
	if token == "" {
		token = header.Get("x-api-key")
	}
	if token == "" {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.StaticToken)) != 1 {
		return nil, false
	}
	return &Result{
		Identity: identity.Identity{ID: "static-token", Tier: identity.TierPaid},
		Stage:    StageStaticToken,
	}, true
}

func bearerToken(header http.Header) string {
	auth := header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

const (
	maxPastSkewSeconds   = 300
	maxFutureSkewSeconds = 30
)

// tryDID returns matched=true whenever the Authorization header declares
// itself a DID credential, so the caller can distinguish "not a DID
// attempt" from "was a DID attempt but failed verification" (the latter
// must return 401, not fall through silently).
func (a *Authenticator) tryDID(method, path string, header http.Header) (*Result, error, bool) {
	auth := header.Get("Authorization")
	const prefix = "DID "
	if !strings.HasPrefix(auth, prefix) {
		return nil, nil, false
	}
	raw := strings.TrimPrefix(auth, prefix)

	did, ts, sig, err := splitDIDCredential(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, err.Error()), true
	}
	if !identity.IsDID(did) {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "malformed did"), true
	}

	now := a.cfg.Now().Unix()
	if now-ts > maxPastSkewSeconds {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "signature timestamp too old"), true
	}
	if ts-now > maxFutureSkewSeconds {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "signature timestamp too far in the future"), true
	}

	pub, err := PublicKeyFromDID(did)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, err.Error()), true
	}

	message := fmt.Sprintf("%d:%s:%s", ts, strings.ToUpper(method), path)
	if !ed25519.Verify(pub, []byte(message), sig) {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "signature verification failed"), true
	}

	return &Result{
		Identity: identity.Identity{ID: did, Tier: identity.TierPaid},
		Stage:    StageDID,
	}, nil, true
}

// splitDIDCredential parses "<did>:<unix_ts>:<base64url_sig>" by scanning
// from the right, since the did itself may contain colons.
func splitDIDCredential(raw string) (did string, ts int64, sig []byte, err error) {
	lastColon := strings.LastIndexByte(raw, ':')
	if lastColon < 0 {
		return "", 0, nil, fmt.Errorf("malformed DID credential")
	}
	sigPart := raw[lastColon+1:]
	rest := raw[:lastColon]

	secondColon := strings.LastIndexByte(rest, ':')
	if secondColon < 0 {
		return "", 0, nil, fmt.Errorf("malformed DID credential")
	}
	tsPart := rest[secondColon+1:]
	did = rest[:secondColon]

	ts, err = strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return "", 0, nil, fmt.Errorf("malformed timestamp")
	}
	sig, err = base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		if sig, err = base64.URLEncoding.DecodeString(sigPart); err != nil {
			return "", 0, nil, fmt.Errorf("malformed signature encoding")
		}
	}
	return did, ts, sig, nil
}

// multicodec prefix for an Ed25519 public key in a did:key multibase
// identifier.
var ed25519MulticodecPrefix = []byte{0xED, 0x01}

// PublicKeyFromDID extracts the 32-byte Ed25519 public key encoded in a
// did:key:<multibase> identifier.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	const keyPrefix = "did:key:"
	if !strings.HasPrefix(did, keyPrefix) {
		return nil, fmt.Errorf("auth: only did:key identities carry an embedded public key")
	}
	multibase := strings.TrimPrefix(did, keyPrefix)
	if len(multibase) == 0 || multibase[0] != 'z' {
		return nil, fmt.Errorf("auth: unsupported multibase prefix")
	}
	decoded, err := base58Decode(multibase[1:])
	if err != nil {
		return nil, fmt.Errorf("auth: invalid multibase encoding: %w", err)
	}
	if len(decoded) != 34 || decoded[0] != ed25519MulticodecPrefix[0] || decoded[1] != ed25519MulticodecPrefix[1] {
		return nil, fmt.Errorf("auth: not an Ed25519 did:key identity")
	}
	return ed25519.PublicKey(decoded[2:]), nil
}

// EncodeDIDKey builds a did:key identifier from an Ed25519 public key,
// used by tests.
func EncodeDIDKey(pub ed25519.PublicKey) string {
	payload := append(append([]byte{}, ed25519MulticodecPrefix...), pub...)
	return "did:key:z" + base58Encode(payload)
}


func (a *Authenticator) tryFreeTier(header http.Header) (*Result, bool) {
	auth := header.Get("Authorization")
	const prefix = "FreeTier "
	if !strings.HasPrefix(auth, prefix) {
		return nil, false
	}
	id := strings.TrimPrefix(auth, prefix)
	if !identity.IsFreeTierID(id) {
		return nil, false
	}
	return &Result{
		Identity: identity.Identity{ID: id, Tier: identity.TierFree},
		Stage:    StageFreeTier,
	}, true
}
