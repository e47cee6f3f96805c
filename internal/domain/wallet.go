package domain

import "time"

// Balance is a per-currency balance.
type Balance struct {
	Free  float64
	Used  float64
	Total float64
}

// WalletSnapshot is a point-in-time copy of all balances.
type WalletSnapshot struct {
	Balances  map[string]Balance
	UpdatedAt time.Time
}

// Free returns the free balance of currency, zero if absent.
func (w *WalletSnapshot) Free(currency string) float64 {
	if w == nil {
		return 0
	}
	return w.Balances[currency].Free
}

// Total returns the total balance of currency, zero if absent.
func (w *WalletSnapshot) Total(currency string) float64 {
	if w == nil {
		return 0
	}
	return w.Balances[currency].Total
}
