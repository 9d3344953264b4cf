package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`             // Error message
	Kind    string            `json:"kind,omitempty"`    // Error kind, drives the status code
	Reason  string            `json:"reason,omitempty"`  // Machine readable reason code
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// SuccessResponse wraps every successful API payload.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	resp := ErrorResponse{Error: message}
	var verrs validator.ValidationErrors
	if errors.As(validationErr, &verrs) {
		resp.Kind = string(KindValidation)
		resp.Details = make(map[string]string, len(verrs))
		for _, err := range verrs {
			resp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}
	writeJSON(w, statusCode, resp)
}

// SendServiceError maps a service error onto its HTTP status and error body.
// Infrastructure failures are reported without their cause.
func SendServiceError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	resp := ErrorResponse{Kind: string(kind), Reason: CodeOf(err), Error: err.Error()}
	if kind == KindInfrastructure {
		resp.Error = "Internal server error"
	}
	writeJSON(w, StatusForKind(kind), resp)
}

// SendSuccessResponse sends a JSON success envelope.
func SendSuccessResponse(w http.ResponseWriter, statusCode int, message string, data any) {
	writeJSON(w, statusCode, SuccessResponse{Success: true, Message: message, Data: data})
}

func StatusForKind(kind ErrorKind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	case KindPolicyViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
