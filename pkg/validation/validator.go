package validation

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// Custom validator instance
	validate = validator.New()

	// Provider symbols carry exchange suffixes (TCS.NS, BRK-B, ^GSPC).
	symbolPattern = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.\-=^]{0,19}$`)
)

// ValidationError represents a validation error with field and message
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return strings.Join(messages, "; ")
}

func init() {
	validate.RegisterValidation("symbol", validateSymbol)
	validate.RegisterValidation("price", validatePrice)
}

// validateSymbol validates provider symbol format
func validateSymbol(fl validator.FieldLevel) bool {
	symbol, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return symbolPattern.MatchString(symbol)
}

// validatePrice accepts any finite, non-negative price
func validatePrice(fl validator.FieldLevel) bool {
	price, ok := fl.Field().Interface().(float64)
	if !ok {
		return false
	}
	return price >= 0 && !math.IsInf(price, 0) && !math.IsNaN(price)
}

// ValidateStruct validates a struct using tags
func ValidateStruct(s interface{}) ValidationErrors {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationErrors{{Field: "struct", Message: err.Error()}}
	}

	var errors ValidationErrors
	for _, err := range verrs {
		errors = append(errors, ValidationError{
			Field:   err.Field(),
			Message: getErrorMessage(err.Field(), err.Tag(), err.Param()),
			Value:   err.Value(),
		})
	}
	return errors
}

// getErrorMessage returns a user-friendly error message
func getErrorMessage(field, tag, param string) string {
	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "symbol":
		return fmt.Sprintf("%s must be a valid symbol (1-20 uppercase letters, digits or . - = ^)", field)
	case "price":
		return fmt.Sprintf("%s must be a finite, non-negative price", field)
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "gtfield", "gtefield":
		return fmt.Sprintf("%s must not be below %s", field, param)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}

// NormalizeSymbol trims, strips control characters and upper-cases user input.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(SanitizeString(s))
}

// IsSymbol reports whether s is an acceptable provider symbol.
func IsSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// ParseFloatField parses a numeric string field from a provider payload.
// Empty and "None" values are treated as missing.
func ParseFloatField(field, raw string) (float64, error) {
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	if raw == "" || raw == "None" {
		return 0, ValidationError{Field: field, Message: fmt.Sprintf("%s is required", field)}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, ValidationError{Field: field, Message: fmt.Sprintf("%s must be a valid number", field), Value: raw}
	}
	return v, nil
}

// ParseIntField parses an integer string field from a provider payload.
func ParseIntField(field, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "None" {
		return 0, ValidationError{Field: field, Message: fmt.Sprintf("%s is required", field)}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ValidationError{Field: field, Message: fmt.Sprintf("%s must be a valid integer", field), Value: raw}
	}
	return v, nil
}

// Error lets a single ValidationError be returned as an error.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// SanitizeString removes potentially dangerous characters
func SanitizeString(s string) string {
	// Remove null bytes and control characters
	s = strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 { // Keep tab, newline, carriage return
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}
