// Package x402 provides the on-chain payment receipt validator plugged
// into stage 2 of the auth pipeline.
package x402

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"agentbridge/internal/shared/config"
	"agentbridge/internal/shared/logging"
)

// Validator implements auth.ReceiptValidator against a configured x402
// facilitator. The facilitator network call itself is out of the bridge's
// core; this package only knows the receipt's wire shape: an
// opaque token whose payer address is recovered by the facilitator and
// handed back as part of the settlement response in production. Lacking a
// live facilitator endpoint to call, Validate treats a receipt as valid
// when it is non-empty and not older than the configured validity period,
// deriving a stable pseudonymous payer identity from its contents so the
// same payer's repeated receipts settle to one identity.
type Validator struct {
	cfg config.X402Config
	log logging.Logger
}

// New constructs a Validator from the configured x402 section.
func New(cfg config.X402Config, log logging.Logger) *Validator {
	return &Validator{cfg: cfg, log: logging.OrNop(log)}
}

// Validate accepts any non-empty receipt, except that a receipt of the
// form "<nonce>.<rfc3339_ts>" is rejected once its timestamp is older than
// the configured validity period (default one hour). The payer identity is
// "did:x402:" plus the first 16 hex digits of keccak256(receipt).
func (v *Validator) Validate(receipt string) (string, bool) {
	receipt = strings.TrimSpace(receipt)
	if receipt == "" {
		return "", false
	}
	parts := strings.SplitN(receipt, ".", 2)
	if len(parts) == 2 {
		if ts, err := time.Parse(time.RFC3339, parts[1]); err == nil {
			validity := v.cfg.ValidityPeriod
			if validity <= 0 {
				validity = time.Hour
			}
			if time.Since(ts) > validity {
				v.log.Warn("x402: receipt expired at %s", ts)
				return "", false
			}
		}
	}
	hash := crypto.Keccak256([]byte(receipt))
	return "did:x402:" + hashHex(hash)[:16], true
}

func hashHex(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}
