// Package chain reads proof-of-work submissions from the on-chain PoW contract.
package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Layout selects how submissions are enumerated on the contract
type Layout string

const (
	// LayoutLegacy reads minerSubmissionCount then powSubmissions(address, i) per index
	LayoutLegacy Layout = "legacy"
	// LayoutBulk reads every submission with one getMinerPowSubmissions(address) call
	LayoutBulk Layout = "bulk"
)

const (
	methodSubmissionCount = "minerSubmissionCount"
	methodSubmissionAt    = "powSubmissions"
	methodAllSubmissions  = "getMinerPowSubmissions"
)

// powContractABI covers the read-only getters of both contract generations
const powContractABI = `[
	{
		"name": "minerSubmissionCount",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "powSubmissions",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "", "type": "address"}, {"name": "", "type": "uint256"}],
		"outputs": [
			{"name": "walletAddress", "type": "address"},
			{"name": "nodeId", "type": "string"},
			{"name": "nonce", "type": "uint256"},
			{"name": "start_timestap", "type": "uint256"},
			{"name": "complete_timestap", "type": "uint256"},
			{"name": "challenge", "type": "bytes32"},
			{"name": "difficulty", "type": "uint256"}
		]
	},
	{
		"name": "getMinerPowSubmissions",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "addr", "type": "address"}],
		"outputs": [{
			"name": "",
			"type": "tuple[]",
			"components": [
				{"name": "walletAddress", "type": "address"},
				{"name": "nodeId", "type": "string"},
				{"name": "nonce", "type": "uint256"},
				{"name": "start_timestap", "type": "uint256"},
				{"name": "complete_timestap", "type": "uint256"},
				{"name": "challenge", "type": "bytes32"},
				{"name": "difficulty", "type": "uint256"}
			]
		}]
	}
]`

// powSubmission mirrors the contract's POWSubmission struct.
// Field names follow abi.ToCamelCase of the Solidity names, typo included.
type powSubmission struct {
	WalletAddress    common.Address
	NodeId           string
	Nonce            *big.Int
	StartTimestap    *big.Int
	CompleteTimestap *big.Int
	Challenge        [32]byte
	Difficulty       *big.Int
}

func parseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(powContractABI))
}
