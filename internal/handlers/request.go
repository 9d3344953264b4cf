package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"

	"github.com/elibrary/circulation/internal/middleware"
	"github.com/elibrary/circulation/internal/services"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1_048_576

// decodeBody reads a single JSON object into dst and validates it. An empty body
// is accepted when optional is set. It writes the error response itself.
func decodeBody(w http.ResponseWriter, r *http.Request, v *services.ValidationHelper, dst any, optional bool) bool {
	if optional && (r.Body == nil || r.ContentLength == 0) {
		return validate(w, v, dst)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if dec.More() {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return validate(w, v, dst)
}

func validate(w http.ResponseWriter, v *services.ValidationHelper, dst any) bool {
	if err := v.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		services.SendErrorResponse(w, "Invalid "+name, http.StatusBadRequest, nil)
		return 0, false
	}
	return id, true
}

func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", false
	}
	return userID, true
}

// actingFor resolves whose account a request touches. Members may only act for
// themselves; admins may name any user.
func actingFor(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	caller, ok := callerID(w, r)
	if !ok {
		return "", false
	}
	if requested == "" || requested == caller {
		return caller, true
	}
	if !middleware.IsAdmin(r.Context()) {
		services.SendErrorResponse(w, "Insufficient permissions", http.StatusForbidden, nil)
		return "", false
	}
	return requested, true
}
