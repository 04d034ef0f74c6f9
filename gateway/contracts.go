package gateway

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// 合约名，同时作为错误里的 Source。
const (
	contractVault          = "vault"
	contractAccountBalance = "accountBalance"
	contractClearingHouse  = "clearingHouse"
	contractPerpMarket     = "perpMarket"
)

// 有符号数统一编码为 (uint64 value, bool negative)；数组字段为等长的并列数组。
const vaultABI = `[
 {"type":"function","name":"get_collateral_balance","stateMutability":"view",
  "inputs":[{"name":"trader","type":"address"},{"name":"asset","type":"address"}],
  "outputs":[{"name":"balance","type":"uint64"}]},
 {"type":"function","name":"get_free_collateral","stateMutability":"view",
  "inputs":[{"name":"trader","type":"address"}],
  "outputs":[{"name":"free","type":"uint64"}]},
 {"type":"function","name":"is_allowed_collateral","stateMutability":"view",
  "inputs":[{"name":"asset","type":"address"}],
  "outputs":[{"name":"allowed","type":"bool"}]}
]`

const accountBalanceABI = `[
 {"type":"function","name":"get_all_trader_positions","stateMutability":"view",
  "inputs":[{"name":"trader","type":"address"}],
  "outputs":[
   {"name":"assets","type":"address[]"},
   {"name":"last_tw_premium_growth_global","type":"uint64[]"},
   {"name":"last_tw_premium_growth_global_negative","type":"bool[]"},
   {"name":"taker_open_notional","type":"uint64[]"},
   {"name":"taker_open_notional_negative","type":"bool[]"},
   {"name":"taker_position_size","type":"uint64[]"},
   {"name":"taker_position_size_negative","type":"bool[]"}]},
 {"type":"function","name":"get_funding_rate","stateMutability":"view",
  "inputs":[{"name":"asset","type":"address"}],
  "outputs":[{"name":"value","type":"uint64"},{"name":"negative","type":"bool"}]},
 {"type":"function","name":"get_pending_funding_payment","stateMutability":"view",
  "inputs":[{"name":"trader","type":"address"},{"name":"asset","type":"address"}],
  "outputs":[
   {"name":"payment","type":"uint64"},{"name":"payment_negative","type":"bool"},
   {"name":"growth_payment","type":"uint64"},{"name":"growth_payment_negative","type":"bool"}]}
]`

const clearingHouseABI = `[
 {"type":"function","name":"get_market","stateMutability":"view",
  "inputs":[{"name":"asset","type":"address"}],
  "outputs":[
   {"name":"asset_id","type":"address"},
   {"name":"im_ratio","type":"uint64"},
   {"name":"mm_ratio","type":"uint64"},
   {"name":"status","type":"uint8"},
   {"name":"has_paused_index_price","type":"bool"},
   {"name":"paused_index_price","type":"uint64"},
   {"name":"has_paused_timestamp","type":"bool"},
   {"name":"paused_timestamp","type":"uint64"},
   {"name":"has_closed_price","type":"bool"},
   {"name":"closed_price","type":"uint64"}]},
 {"type":"function","name":"get_max_abs_position_size","stateMutability":"view",
  "inputs":[{"name":"trader","type":"address"},{"name":"asset","type":"address"}],
  "outputs":[{"name":"short_size","type":"uint64"},{"name":"long_size","type":"uint64"}]}
]`

const perpMarketABI = `[
 {"type":"function","name":"get_trader_orders","stateMutability":"view",
  "inputs":[{"name":"trader","type":"address"},{"name":"asset","type":"address"}],
  "outputs":[
   {"name":"ids","type":"bytes32[]"},
   {"name":"traders","type":"address[]"},
   {"name":"base_tokens","type":"address[]"},
   {"name":"base_size","type":"uint64[]"},
   {"name":"base_size_negative","type":"bool[]"},
   {"name":"order_price","type":"uint64[]"}]},
 {"type":"function","name":"get_market_price","stateMutability":"view",
  "inputs":[{"name":"asset","type":"address"}],
  "outputs":[{"name":"price","type":"uint64"}]},
 {"type":"function","name":"get_mark_price","stateMutability":"view",
  "inputs":[{"name":"asset","type":"address"}],
  "outputs":[{"name":"price","type":"uint64"}]}
]`

var (
	abiOnce   sync.Once
	abiByName map[string]abi.ABI
	abiErr    error
)

// contractABIs 解析一次并缓存。
func contractABIs() (map[string]abi.ABI, error) {
	abiOnce.Do(func() {
		defs := map[string]string{
			contractVault:          vaultABI,
			contractAccountBalance: accountBalanceABI,
			contractClearingHouse:  clearingHouseABI,
			contractPerpMarket:     perpMarketABI,
		}
		parsed := make(map[string]abi.ABI, len(defs))
		for name, def := range defs {
			a, err := abi.JSON(strings.NewReader(def))
			if err != nil {
				abiErr = fmt.Errorf("parse %s abi: %w", name, err)
				return
			}
			parsed[name] = a
		}
		abiByName = parsed
	})
	return abiByName, abiErr
}
