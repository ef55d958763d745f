package validation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

// decimalScale caps the fractional digits the ledger will store.
const decimalScale = 18

// ValidateOrderRequest checks a raw order submission. Price and amount
// arrive as strings so values are never rounded through a float.
func ValidateOrderRequest(symbolID int64, side int16, price, amount string) ValidationErrors {
	var errs ValidationErrors

	if symbolID <= 0 {
		errs = append(errs, FieldError{Field: "symbol_id", Message: "symbol_id is required"})
	}

	if side != 1 && side != 2 {
		errs = append(errs, FieldError{Field: "side", Message: "side must be 1 (buy) or 2 (sell)"})
	}

	if _, err := parsePositiveDecimal(price, "price"); err != nil {
		errs = append(errs, FieldError{Field: "price", Message: err.Error()})
	}
	if _, err := parsePositiveDecimal(amount, "amount"); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: err.Error()})
	}

	return errs
}

func ValidateRegisterRequest(email, password string) ValidationErrors {
	var errs ValidationErrors

	email = strings.TrimSpace(email)
	if email == "" {
		errs = append(errs, FieldError{Field: "email", Message: "email is required"})
	} else if !strings.Contains(email, "@") || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		errs = append(errs, FieldError{Field: "email", Message: "email is invalid"})
	}

	if len(password) < 8 {
		errs = append(errs, FieldError{Field: "password", Message: "password must be at least 8 characters"})
	}

	return errs
}

func parsePositiveDecimal(raw, field string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal", field)
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%s must be positive", field)
	}
	if val.Exponent() < -decimalScale {
		return decimal.Zero, fmt.Errorf("%s exceeds %d decimal places", field, decimalScale)
	}
	return val, nil
}

// ParseDecimal returns the validated positive decimal for a field that
// already passed ValidateOrderRequest.
func ParseDecimal(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(raw))
}
