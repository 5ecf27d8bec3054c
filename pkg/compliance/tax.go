package compliance

import "fmt"

// Crypto asset tax rates in basis points (1 bp = 0.01%). PMK 68/2022: final
// income tax 0.1% and VAT 0.11% on registered exchanges, doubled otherwise.
const (
	PPhRegisteredBP   int64 = 10
	PPhUnregisteredBP int64 = 20
	PPNRegisteredBP   int64 = 11
	PPNUnregisteredBP int64 = 22
)

type TaxBreakdown struct {
	AmountIDR          int64 `json:"amount_idr"`
	RegisteredExchange bool  `json:"registered_exchange"`
	PPhBP              int64 `json:"pph_bp"`
	PPNBP              int64 `json:"ppn_bp"`
	PPhIDR             int64 `json:"pph_idr"`
	PPNIDR             int64 `json:"ppn_idr"`
	TotalTaxIDR        int64 `json:"total_tax_idr"`
	NetIDR             int64 `json:"net_idr"`
}

// CalculateCryptoTax computes the final income tax and VAT due on a crypto
// sale. Amounts are whole rupiah; tax rounds down.
func CalculateCryptoTax(amountIDR int64, registeredExchange bool) (TaxBreakdown, error) {
	if amountIDR <= 0 {
		return TaxBreakdown{}, fmt.Errorf("amount must be positive, got %d", amountIDR)
	}
	b := TaxBreakdown{
		AmountIDR:          amountIDR,
		RegisteredExchange: registeredExchange,
		PPhBP:              PPhRegisteredBP,
		PPNBP:              PPNRegisteredBP,
	}
	if !registeredExchange {
		b.PPhBP = PPhUnregisteredBP
		b.PPNBP = PPNUnregisteredBP
	}
	b.PPhIDR = amountIDR * b.PPhBP / 10_000
	b.PPNIDR = amountIDR * b.PPNBP / 10_000
	b.TotalTaxIDR = b.PPhIDR + b.PPNIDR
	b.NetIDR = amountIDR - b.TotalTaxIDR
	return b, nil
}
