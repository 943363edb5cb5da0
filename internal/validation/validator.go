package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/Guizzs26/go-scan-sync/internal/models"
)

// New returns a validator with the scan-specific tags registered:
//
//	barcode  - no line breaks (they would corrupt the kiosk's line log)
//	scantime - parses with models.TimestampLayout
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// report json names in errors so they match the wire format
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// registration only fails for empty tags or nil funcs
	_ = v.RegisterValidation("barcode", validateBarcode)
	_ = v.RegisterValidation("scantime", validateScanTime)

	return v
}

func validateBarcode(fl validatorv10.FieldLevel) bool {
	return !strings.ContainsAny(fl.Field().String(), "\r\n")
}

func validateScanTime(fl validatorv10.FieldLevel) bool {
	_, err := models.ParseTimestamp(fl.Field().String())
	return err == nil
}

// Record validates one uploaded record and returns a short, client-facing reason
func Record(v *validatorv10.Validate, rec models.WireRecord) error {
	err := v.Struct(rec)
	if err == nil {
		return nil
	}

	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}

	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describe(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("missing field %s", fe.Field())
	case "barcode":
		return "barcode contains a line break"
	case "scantime":
		return fmt.Sprintf("invalid timestamp %q, expected YYYY-MM-DD HH:MM:SS", fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
