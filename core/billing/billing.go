// Package billing declares the fee-calculator collaborator consumed after a
// transaction finalizes. The calculator is a pure function of the transaction
// and the tariff; the core never owns rate logic beyond the default below.
package billing

import "github.com/voltgrid/csms/core/model"

// Tariff is the pricing input. DiscountPct applies to the energy fee.
type Tariff struct {
	PricePerKwh float64 `json:"price_per_kwh"`
	DiscountPct float64 `json:"discount_pct"`
	Currency    string  `json:"currency"`
}

// Fee is the calculator output.
type Fee struct {
	EnergyFee      float64 `json:"energy_fee"`
	AppliedPrice   float64 `json:"applied_price"`
	DiscountAmount float64 `json:"discount_amount"`
	BillingDetails string  `json:"billing_details"`
}

// Calculator computes the fee for a finalized transaction.
type Calculator interface {
	ComputeFee(tx model.Transaction, tariff Tariff) Fee
}

// FlatRate is the default calculator: energy times unit price, minus the
// tariff discount.
type FlatRate struct{}

// ComputeFee implements Calculator.
func (FlatRate) ComputeFee(tx model.Transaction, tariff Tariff) Fee {
	energy := tx.EnergyConsumedKwh(0)
	gross := energy * tariff.PricePerKwh
	discount := gross * tariff.DiscountPct / 100
	return Fee{
		EnergyFee:      gross - discount,
		AppliedPrice:   tariff.PricePerKwh,
		DiscountAmount: discount,
		BillingDetails: tariff.Currency,
	}
}
