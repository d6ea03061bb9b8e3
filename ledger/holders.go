package ledger

import "sort"

// Position is one account's consolidated holding of a token
type Position struct {
	Account string  `json:"account"`
	Balance int64   `json:"balance"`
	Serials []int64 `json:"serials"`
}

// ConsolidateHolders merges raw holder records per account, excluding the
// treasury. Each account appears once, in order of first appearance; its
// serials are deduplicated and sorted ascending. Balance is the distinct
// serial count, or the summed record balances when no serials are listed.
func ConsolidateHolders(records []HolderRecord, treasury string) []Position {
	index := make(map[string]int)
	seen := make(map[string]map[int64]bool)
	var out []Position

	for _, r := range records {
		if r.Account == "" || r.Account == treasury {
			continue
		}
		i, ok := index[r.Account]
		if !ok {
			i = len(out)
			index[r.Account] = i
			seen[r.Account] = make(map[int64]bool)
			out = append(out, Position{Account: r.Account})
		}
		out[i].Balance += r.Balance
		for _, s := range r.Serials {
			if seen[r.Account][s] {
				continue
			}
			seen[r.Account][s] = true
			out[i].Serials = append(out[i].Serials, s)
		}
	}

	for i := range out {
		sort.Slice(out[i].Serials, func(a, b int) bool { return out[i].Serials[a] < out[i].Serials[b] })
		if len(out[i].Serials) > 0 {
			out[i].Balance = int64(len(out[i].Serials))
		}
	}
	return out
}

// TotalUnits sums the balances of positions
func TotalUnits(positions []Position) int64 {
	var total int64
	for _, p := range positions {
		total += p.Balance
	}
	return total
}
