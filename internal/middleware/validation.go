package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/campswap/messaging/internal/apperr"
)

// MaxBodyBytes bounds JSON request bodies.
const MaxBodyBytes = 64 << 10

// DecodeJSON decodes a single JSON object from r into dst, rejecting unknown
// fields and trailing data.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return apperr.Validation("request body too large")
		case errors.Is(err, io.EOF):
			return apperr.Validation("request body is empty")
		default:
			return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
		}
	}
	if dec.More() {
		return apperr.Validation("request body must contain a single JSON object")
	}
	return nil
}

// ValidateUserID validates a user id supplied by a client.
func ValidateUserID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperr.Validation("user ID cannot be empty")
	}
	if len(id) > 128 {
		return apperr.Validation("user ID exceeds maximum length")
	}
	return nil
}

// QueryInt parses an optional positive integer query parameter.
func QueryInt(r *http.Request, key string, defaultValue int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, apperr.Validation(fmt.Sprintf("%s must be a positive integer", key))
	}
	return n, nil
}
