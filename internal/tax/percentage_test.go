package tax_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/tax"
)

func TestPercentageCalculator_CalculateTax(t *testing.T) {
	tests := []struct {
		name     string
		rate     float64
		lines    []domain.QuotedLine
		shipping int64
		wantTax  int64
	}{
		{
			name: "ten percent on forty dollars",
			rate: 0.10,
			lines: []domain.QuotedLine{
				{ProductID: uuid.New(), UnitPriceCents: 2000, Quantity: 2, LineTotalCents: 4000},
			},
			shipping: 500,
			wantTax:  400,
		},
		{
			name: "shipping is not taxed",
			rate: 0.10,
			lines: []domain.QuotedLine{
				{ProductID: uuid.New(), UnitPriceCents: 1000, Quantity: 1, LineTotalCents: 1000},
			},
			shipping: 10000,
			wantTax:  100,
		},
		{
			name: "half cent rounds up",
			rate: 0.075,
			lines: []domain.QuotedLine{
				// 0.075 * 1234 = 92.55 -> 93
				{ProductID: uuid.New(), UnitPriceCents: 1234, Quantity: 1, LineTotalCents: 1234},
			},
			wantTax: 93,
		},
		{
			name: "fraction below half rounds down",
			rate: 0.0825,
			lines: []domain.QuotedLine{
				// 0.0825 * 999 = 82.4175 -> 82
				{ProductID: uuid.New(), UnitPriceCents: 999, Quantity: 1, LineTotalCents: 999},
			},
			wantTax: 82,
		},
		{
			name:    "empty lines",
			rate:    0.10,
			lines:   nil,
			wantTax: 0,
		},
		{
			name: "zero rate",
			rate: 0,
			lines: []domain.QuotedLine{
				{ProductID: uuid.New(), UnitPriceCents: 5000, Quantity: 1, LineTotalCents: 5000},
			},
			wantTax: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc, err := tax.NewPercentageCalculator(tt.rate)
			require.NoError(t, err)

			result, err := calc.CalculateTax(context.Background(), tax.Params{
				Lines:         tt.lines,
				ShippingCents: tt.shipping,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantTax, result.TaxCents)
			assert.Equal(t, tt.rate, result.Rate)
		})
	}
}

func TestNewPercentageCalculator_RejectsBadRates(t *testing.T) {
	_, err := tax.NewPercentageCalculator(-0.01)
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = tax.NewPercentageCalculator(1.5)
	require.Error(t, err)
}

func TestNoTaxCalculator_CalculateTax_ReturnsZeroTax(t *testing.T) {
	calc := tax.NewNoTaxCalculator()

	result, err := calc.CalculateTax(context.Background(), tax.Params{
		Lines: []domain.QuotedLine{
			{ProductID: uuid.New(), UnitPriceCents: 3600, Quantity: 2, LineTotalCents: 7200},
		},
		ShippingCents: 500,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(0), result.TaxCents)
}
