// Package ledger derives net token holdings from token transfer events.
package ledger

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/brojonat/ethwallet/service/wallet"
)

type tokenMeta struct {
	decimals uint8
	symbol   string
	name     string
}

func (m tokenMeta) less(o tokenMeta) bool {
	if m.decimals != o.decimals {
		return m.decimals < o.decimals
	}
	if m.symbol != o.symbol {
		return m.symbol < o.symbol
	}
	return m.name < o.name
}

type accumulator struct {
	contract string
	meta     tokenMeta
	net      decimal.Decimal
}

// Aggregate nets transfers into and out of owner per token contract.
//
// The result does not depend on the order of events. Tokens whose net balance
// is zero or negative are omitted and the output is sorted by contract
// address. Aggregate does not deduplicate: pass events through Dedupe first
// when the source may repeat them.
func Aggregate(events []wallet.TransferEvent, owner string) []wallet.TokenBalance {
	owner = strings.ToLower(strings.TrimSpace(owner))
	byContract := make(map[string]*accumulator)

	for _, ev := range events {
		from := strings.ToLower(ev.From)
		to := strings.ToLower(ev.To)
		if from != owner && to != owner {
			continue
		}

		contract := strings.ToLower(ev.TokenContract)
		acc, ok := byContract[contract]
		meta := tokenMeta{decimals: ev.Decimals, symbol: ev.TokenSymbol, name: ev.TokenName}
		if !ok {
			acc = &accumulator{contract: contract, meta: meta, net: decimal.Zero}
			byContract[contract] = acc
		} else if meta.less(acc.meta) {
			acc.meta = meta
		}

		amount := wallet.ToDecimal(ev.RawValue, int32(ev.Decimals))
		if to == owner {
			acc.net = acc.net.Add(amount)
		}
		if from == owner {
			acc.net = acc.net.Sub(amount)
		}
	}

	balances := make([]wallet.TokenBalance, 0, len(byContract))
	for _, acc := range byContract {
		if !acc.net.IsPositive() {
			continue
		}
		balances = append(balances, wallet.TokenBalance{
			TokenContract: acc.contract,
			Symbol:        acc.meta.symbol,
			Name:          acc.meta.name,
			Decimals:      acc.meta.decimals,
			NetRaw:        acc.net.Shift(int32(acc.meta.decimals)).Truncate(0).BigInt(),
			NetBalance:    acc.net,
		})
	}
	sort.Slice(balances, func(i, j int) bool {
		return balances[i].TokenContract < balances[j].TokenContract
	})
	return balances
}

// Dedupe drops events that repeat an earlier (transaction hash, log index) pair.
func Dedupe(events []wallet.TransferEvent) []wallet.TransferEvent {
	seen := make(map[string]struct{}, len(events))
	out := make([]wallet.TransferEvent, 0, len(events))
	for _, ev := range events {
		key := ev.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ev)
	}
	return out
}
