package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/go-playground/validator/v10"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

var validate = validator.New()

func init() {
	if err := validate.RegisterValidation("recordid", func(fl validator.FieldLevel) bool {
		return credstore.ValidID(fl.Field().String())
	}); err != nil {
		panic(err)
	}
}

// decode reads a JSON body into v and runs struct validation.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	return nil
}

// flexBool accepts true/false, 1/0 and their string forms.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)

	v, err := strconv.ParseBool(string(data))
	if err != nil {
		return fmt.Errorf("invalid boolean %s", data)
	}

	*b = flexBool(v)

	return nil
}

// boolOr returns the pointed-to value or def when absent.
func boolOr(b *flexBool, def bool) bool {
	if b == nil {
		return def
	}

	return bool(*b)
}

// parsePage extracts offset and limit from query parameters.
func parsePage(r *http.Request) (offset, limit int) {
	limit = defaultLimit

	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	if limit > maxLimit {
		limit = maxLimit
	}

	return offset, limit
}
