package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"clientpulse/internal/reminder"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"internal","message":"failed to encode response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError maps typed errors to their status. Only delivery errors expose
// their cause; untyped errors become a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	detail := errorDetail{RequestID: middleware.GetReqID(r.Context())}
	status := http.StatusInternalServerError

	var re *reminder.Error
	if errors.As(err, &re) {
		status = re.Code.HTTPStatus()
		detail.Code = string(re.Code)
		detail.Message = re.Message
		// Provider failures are the operator's to act on.
		if re.Code == reminder.CodeDelivery && re.Err != nil {
			detail.Message += ": " + re.Err.Error()
		}
	} else {
		detail.Code = "internal"
		detail.Message = "an unexpected error occurred"
	}
	writeJSON(w, status, errorBody{Error: detail})
}

// decodeJSON reads one strict JSON object into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return reminder.Validationf("request body is empty")
		case errors.As(err, &mbe):
			return reminder.Validationf("request body exceeds %d bytes", mbe.Limit)
		default:
			return reminder.Validationf("invalid JSON: %v", err)
		}
	}
	if dec.More() {
		return reminder.Validationf("request body must contain a single JSON object")
	}
	return nil
}

// validationError turns validator output into one readable message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return reminder.Validationf("%v", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_without":
			parts = append(parts, fe.Field()+" is required")
		case "email":
			parts = append(parts, fe.Field()+" must be a valid email address")
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return reminder.Validationf("%s", strings.Join(parts, "; "))
}
