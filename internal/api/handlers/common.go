// Package handlers provides HTTP request handlers for the netmonkey API.
// This file contains the request parsing and response helpers shared by
// all handlers.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"reflect"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/netmonkey/internal/api/middleware"
	"github.com/anstrom/netmonkey/internal/config"
	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/scanning"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// TargetDefaults fill in query parameters the client left out.
type TargetDefaults struct {
	Base      netip.Addr
	PrefixLen int
	Ports     []int
}

// DefaultsFromConfig derives TargetDefaults from the scan section.
func DefaultsFromConfig(cfg *config.Config) (TargetDefaults, error) {
	base, err := cfg.BaseAddr()
	if err != nil {
		return TargetDefaults{}, err
	}
	ports, err := cfg.PortList()
	if err != nil {
		return TargetDefaults{}, err
	}
	return TargetDefaults{Base: base, PrefixLen: cfg.Scan.SubnetMask, Ports: ports}, nil
}

// targetQuery mirrors the ip/mask/ports query parameters.
type targetQuery struct {
	IP    string `query:"ip" validate:"required,ipv4"`
	Mask  int    `query:"mask" validate:"gte=0"`
	Ports string `query:"ports"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("query"); name != "" {
			return name
		}
		return fld.Name
	})
	return v
}

// parseTarget reads ip, mask and ports from the query string. Out of range
// masks are clamped later by the range calculator.
func parseTarget(r *http.Request, defaults TargetDefaults) (scanning.Request, error) {
	q := r.URL.Query()

	query := targetQuery{
		IP:    q.Get("ip"),
		Mask:  defaults.PrefixLen,
		Ports: q.Get("ports"),
	}
	if query.IP == "" && defaults.Base.IsValid() {
		query.IP = defaults.Base.String()
	}
	if raw := q.Get("mask"); raw != "" {
		mask, err := strconv.Atoi(raw)
		if err != nil {
			return scanning.Request{}, errors.NewScanError(errors.CodeValidation,
				fmt.Sprintf("invalid mask parameter %q", raw))
		}
		query.Mask = mask
	}

	if err := validate.Struct(query); err != nil {
		return scanning.Request{}, validationError(err)
	}

	req := scanning.Request{PrefixLen: query.Mask, Ports: defaults.Ports}
	base, err := netip.ParseAddr(query.IP)
	if err != nil {
		return scanning.Request{}, errors.ErrInvalidTarget(query.IP)
	}
	req.Base = base

	if q.Has("ports") {
		ports, err := config.ParsePorts(query.Ports)
		if err != nil {
			return scanning.Request{}, err
		}
		req.Ports = ports
	}
	return req, nil
}

func validationError(err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("invalid %s parameter %q (%s)", fe.Field(), fmt.Sprint(fe.Value()), fe.Tag()))
	}
	return errors.WrapScanError(errors.CodeValidation, "invalid request", err)
}

// statusForError maps coded errors onto HTTP status codes.
func statusForError(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeValidation, errors.CodeTargetInvalid, errors.CodeConfiguration:
		return http.StatusBadRequest
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests
	case errors.CodeSessionClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// writeError writes an error response. Coded errors pick their own status.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	if statusCode == 0 {
		statusCode = statusForError(err)
	}

	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		response.Code = string(code)
	}

	writeJSON(w, r, statusCode, response)
}
