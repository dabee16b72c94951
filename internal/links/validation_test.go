package links

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func validLink() *models.AffiliateLink {
	return &models.AffiliateLink{
		Code:            "SPRING24",
		Name:            "Spring",
		CommissionType:  enums.CommissionTypePercentage,
		CommissionValue: dec("15"),
		Status:          enums.LinkStatusActive,
		PromotionType:   enums.PromotionTypeGeneral,
		MaxUsage:        models.UnlimitedUsage,
	}
}

func TestValidateLinkCommissionBounds(t *testing.T) {
	cases := []struct {
		name  string
		typ   enums.CommissionType
		value string
		ok    bool
	}{
		{"percentage upper bound", enums.CommissionTypePercentage, "100", true},
		{"percentage above bound", enums.CommissionTypePercentage, "100.01", false},
		{"percentage zero", enums.CommissionTypePercentage, "0", false},
		{"fixed positive", enums.CommissionTypeFixed, "60.00", true},
		{"fixed negative", enums.CommissionTypeFixed, "-1", false},
		{"too many decimals", enums.CommissionTypeFixed, "1.005", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			link := validLink()
			link.CommissionType = tc.typ
			link.CommissionValue = dec(tc.value)
			errs := fieldErrors{}
			validateLink(link, errs)
			assert.Equal(t, tc.ok, errs.err() == nil, "%v", errs)
		})
	}
}

func TestValidateLinkDatesAndUsage(t *testing.T) {
	start := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	link := validLink()
	link.StartDate = &start
	link.EndDate = &end
	link.MaxUsage = 0
	zero := 0
	link.AttributionWindowDays = &zero

	errs := fieldErrors{}
	validateLink(link, errs)
	require.Error(t, errs.err())
	assert.Contains(t, errs, "end_date")
	assert.Contains(t, errs, "max_usage")
	assert.Contains(t, errs, "attribution_window_days")
	assert.True(t, pkgerrors.IsCode(errs.err(), pkgerrors.CodeValidation))
}

func TestValidateLinkPromotionProducts(t *testing.T) {
	link := validLink()
	link.PromotionType = enums.PromotionTypeSpecific
	errs := fieldErrors{}
	validateLink(link, errs)
	assert.Contains(t, errs, "applicable_products")

	link.ApplicableProducts = []string{" course-2 ", "course-1", "course-2"}
	errs = fieldErrors{}
	validateLink(link, errs)
	require.NoError(t, errs.err())
	assert.Equal(t, []string{"course-1", "course-2"}, []string(link.ApplicableProducts))

	link.PromotionType = enums.PromotionTypeGeneral
	validateLink(link, fieldErrors{})
	assert.Empty(t, link.ApplicableProducts)
}

func TestValidateLinkCode(t *testing.T) {
	for _, code := range []string{"AB", "-LEAD", "HAS SPACE", "lower"} {
		link := validLink()
		link.Code = code
		errs := fieldErrors{}
		validateLink(link, errs)
		assert.Contains(t, errs, "code", code)
	}
	assert.Equal(t, "SPRING-24", NormalizeCode("  spring-24 "))
}

func TestResolveCommissionAlias(t *testing.T) {
	errs := fieldErrors{}
	typ, value := resolveCommission("", nil, decPtr("12.5"), errs)
	require.NoError(t, errs.err())
	assert.Equal(t, enums.CommissionTypePercentage, typ)
	assert.True(t, value.Equal(dec("12.5")))

	errs = fieldErrors{}
	resolveCommission(enums.CommissionTypeFixed, decPtr("10"), decPtr("10"), errs)
	assert.Contains(t, errs, "commission_rate")

	errs = fieldErrors{}
	resolveCommission(enums.CommissionTypePercentage, decPtr("10"), decPtr("11"), errs)
	assert.Contains(t, errs, "commission_rate")

	errs = fieldErrors{}
	typ, value = resolveCommission(enums.CommissionTypeFixed, decPtr("60"), nil, errs)
	require.NoError(t, errs.err())
	assert.Equal(t, enums.CommissionTypeFixed, typ)
	assert.True(t, value.Equal(dec("60")))
}
