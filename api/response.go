package api

import (
	"encoding/json"
	"net/http"
)

// Response represents a generic response
type Response struct {
	Status  string      `json:"status"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RespondWithError sends an error response
func RespondWithError(w http.ResponseWriter, code int, msg string) {
	RespondWithJSON(w, code, Response{
		Status: "error",
		Code:   code,
		Error:  msg,
	})
}

// RespondWithOk sends a success response without data
func RespondWithOk(w http.ResponseWriter, msg string) {
	RespondWithJSON(w, http.StatusOK, Response{
		Status:  "success",
		Code:    http.StatusOK,
		Message: msg,
	})
}

// RespondWithData sends a success response carrying data
func RespondWithData(w http.ResponseWriter, data interface{}) {
	RespondWithJSON(w, http.StatusOK, Response{
		Status: "success",
		Code:   http.StatusOK,
		Data:   data,
	})
}

// RespondWithJSON writes payload as the JSON body with the status code
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("Failed to encode response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Debugf("Failed to write response: %v", err)
	}
}

// decodeReq decodes a JSON request body into v, rejecting unknown fields.
func decodeReq(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
