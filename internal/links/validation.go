package links

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	dbtypes "github.com/angelmondragon/affiliate-ledger/pkg/db/types"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{2,63}$`)

var hundred = decimal.NewFromInt(100)

// NormalizeCode canonicalizes a referral code for storage and lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type fieldErrors map[string]string

func (f fieldErrors) add(field, msg string) {
	if _, exists := f[field]; !exists {
		f[field] = msg
	}
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "invalid affiliate link").WithDetails(map[string]string(f))
}

// resolveCommission applies the legacy commission_rate alias. A rate without a
// type means percentage; a rate that disagrees with the explicit terms is rejected.
func resolveCommission(commissionType enums.CommissionType, value, rate *decimal.Decimal, errs fieldErrors) (enums.CommissionType, *decimal.Decimal) {
	if rate == nil {
		return commissionType, value
	}
	switch commissionType {
	case "":
		commissionType = enums.CommissionTypePercentage
	case enums.CommissionTypePercentage:
	default:
		errs.add("commission_rate", "commission_rate only applies to percentage commissions")
		return commissionType, value
	}
	if value != nil && !value.Equal(*rate) {
		errs.add("commission_rate", "commission_rate conflicts with commission_value")
		return commissionType, value
	}
	r := *rate
	return commissionType, &r
}

func validateCommission(commissionType enums.CommissionType, value decimal.Decimal, errs fieldErrors) {
	if !commissionType.IsValid() {
		errs.add("commission_type", "must be percentage or fixed")
		return
	}
	if !value.Equal(value.Round(2)) {
		errs.add("commission_value", "must have at most two decimal places")
		return
	}
	switch commissionType {
	case enums.CommissionTypePercentage:
		if !value.IsPositive() || value.GreaterThan(hundred) {
			errs.add("commission_value", "percentage must be greater than 0 and at most 100")
		}
	case enums.CommissionTypeFixed:
		if !value.IsPositive() {
			errs.add("commission_value", "fixed commission must be greater than 0")
		}
	}
}

// validateLink checks every invariant that can be evaluated on a single row.
func validateLink(link *models.AffiliateLink, errs fieldErrors) {
	if !codePattern.MatchString(link.Code) {
		errs.add("code", "must be 3-64 characters of A-Z, 0-9, '-' or '_'")
	}
	if strings.TrimSpace(link.Name) == "" {
		errs.add("name", "is required")
	}
	validateCommission(link.CommissionType, link.CommissionValue, errs)

	if link.StartDate != nil && link.EndDate != nil && !link.StartDate.Before(*link.EndDate) {
		errs.add("end_date", "must be after start_date")
	}

	switch link.PromotionType {
	case enums.PromotionTypeSpecific:
		link.ApplicableProducts = dbtypes.StringList(link.ApplicableProducts).Normalize()
		if len(link.ApplicableProducts) == 0 {
			errs.add("applicable_products", "specific promotions need at least one product")
		}
	case enums.PromotionTypeGeneral:
		link.ApplicableProducts = dbtypes.StringList{}
	default:
		errs.add("promotion_type", "must be general or specific")
	}

	if link.MaxUsage != models.UnlimitedUsage && link.MaxUsage <= 0 {
		errs.add("max_usage", "must be -1 (unlimited) or greater than 0")
	}
	if link.AttributionWindowDays != nil && *link.AttributionWindowDays <= 0 {
		errs.add("attribution_window_days", "must be greater than 0")
	}
}
