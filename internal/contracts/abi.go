// Package contracts holds the ABIs of the external contracts the converter
// talks to and helpers to decode their events.
package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Uniswap v1 style exchange: one ETH/token pair per contract.
const exchangeJSON = `[
 {"name":"ethToTokenSwapInput","type":"function","stateMutability":"payable",
  "inputs":[{"name":"min_tokens","type":"uint256"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"name":"tokenToEthSwapInput","type":"function","stateMutability":"nonpayable",
  "inputs":[{"name":"tokens_sold","type":"uint256"},{"name":"min_eth","type":"uint256"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"name":"TokenPurchase","type":"event","anonymous":false,
  "inputs":[{"name":"buyer","type":"address","indexed":true},
            {"name":"eth_sold","type":"uint256","indexed":true},
            {"name":"tokens_bought","type":"uint256","indexed":true}]},
 {"name":"EthPurchase","type":"event","anonymous":false,
  "inputs":[{"name":"buyer","type":"address","indexed":true},
            {"name":"tokens_sold","type":"uint256","indexed":true},
            {"name":"eth_bought","type":"uint256","indexed":true}]}
]`

const erc20JSON = `[
 {"name":"balanceOf","type":"function","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"name":"allowance","type":"function","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"name":"approve","type":"function","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"name":"transfer","type":"function","stateMutability":"nonpayable",
  "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"name":"Transfer","type":"event","anonymous":false,
  "inputs":[{"name":"from","type":"address","indexed":true},
            {"name":"to","type":"address","indexed":true},
            {"name":"value","type":"uint256","indexed":false}]}
]`

// The home side of an ERC20-to-native bridge. AffirmationCompleted is the
// credit event for deposits; none of its fields are indexed.
const homeBridgeJSON = `[
 {"name":"AffirmationCompleted","type":"event","anonymous":false,
  "inputs":[{"name":"recipient","type":"address","indexed":false},
            {"name":"value","type":"uint256","indexed":false},
            {"name":"transactionHash","type":"bytes32","indexed":false}]}
]`

var (
	Exchange   = mustParse(exchangeJSON)
	ERC20      = mustParse(erc20JSON)
	HomeBridge = mustParse(homeBridgeJSON)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("contracts: invalid ABI: " + err.Error())
	}
	return parsed
}
