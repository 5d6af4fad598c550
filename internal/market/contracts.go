// Package market holds futures contract specifications and the trading
// session calendar used to interpret price data.
package market

import "strings"

// ContractSpec describes the economics of one futures contract.
type ContractSpec struct {
	Symbol string
	// PointValue is the currency value of a one-point move per contract
	// (e.g. 2.0 for MNQ, 5.0 for MES).
	PointValue float64
	// TickSize is the minimum price increment (e.g. 0.25 for MNQ).
	TickSize float64
}

// ContractTable resolves tickers to contract specifications. Lookups strip
// the expiry suffix, so "MNQZ5" resolves the "MNQ" spec.
type ContractTable struct {
	specs map[string]ContractSpec
}

// NewContractTable builds a table from the given specs, keyed by root symbol.
func NewContractTable(specs []ContractSpec) *ContractTable {
	t := &ContractTable{specs: make(map[string]ContractSpec, len(specs))}
	for _, s := range specs {
		t.specs[strings.ToUpper(s.Symbol)] = s
	}
	return t
}

// Spec returns the contract specification for a ticker, trying the exact
// symbol first and then the root with any expiry code stripped.
func (t *ContractTable) Spec(ticker string) (ContractSpec, bool) {
	sym := strings.ToUpper(strings.TrimSpace(ticker))
	if s, ok := t.specs[sym]; ok {
		return s, true
	}
	if root := rootSymbol(sym); root != sym {
		if s, ok := t.specs[root]; ok {
			return s, true
		}
	}
	return ContractSpec{}, false
}

// rootSymbol strips a trailing CME expiry code ("Z5", "H26", "M2026") from
// a contract name, leaving the product root.
func rootSymbol(sym string) string {
	i := len(sym)
	for i > 0 && sym[i-1] >= '0' && sym[i-1] <= '9' {
		i--
	}
	// No digits means no expiry suffix.
	if i == len(sym) {
		return sym
	}
	// The month code letter precedes the year digits.
	if i > 1 && isMonthCode(sym[i-1]) {
		i--
	}
	return sym[:i]
}

func isMonthCode(c byte) bool {
	switch c {
	case 'F', 'G', 'H', 'J', 'K', 'M', 'N', 'Q', 'U', 'V', 'X', 'Z':
		return true
	}
	return false
}
