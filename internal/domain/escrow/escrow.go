// Package escrow defines the on-chain escrow descriptor and state machine
// read by the escrow client.
package escrow

import "math/big"

// State is the lifecycle stage of an on-chain escrow.
type State string

const (
	StateAwaitingDeposit State = "AWAITING_DEPOSIT"
	StateFunded          State = "FUNDED"
	StateDelivered       State = "DELIVERED"
	StateDisputed        State = "DISPUTED"
	StateReleased        State = "RELEASED"
	StateRefunded        State = "REFUNDED"
)

// Descriptor is the read-model of an escrow as stored on chain. Amounts
// are 256-bit and carried as *big.Int end to end; they are never rounded
// to a float.
type Descriptor struct {
	ID              string
	ClientDIDHash   [32]byte
	ProviderDIDHash [32]byte
	ClientAddr      string
	ProviderAddr    string
	Amount          *big.Int
	Token           string
	TaskHash        [32]byte
	OutputHash      [32]byte
	Deadline        int64 // unix seconds
	State           State
	CreatedAt       int64
	DeliveredAt     int64
}

// ValidationResult is the outcome of pre-execution escrow validation
//: exists, FUNDED, provider hash matches, deadline in future.
type ValidationResult struct {
	Valid bool
	Error string
}
