// Package httpx holds the HTTP response envelope and write helpers shared by
// every handler in the pipeline.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/justinndidit/notify-pipeline/internal/apperror"
)

// Response is the uniform JSON envelope every gateway/broker endpoint
// returns.
type Response struct {
	Success bool            `json:"success"`
	Data    interface{}     `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message"`
	Meta    *PaginationMeta `json:"meta,omitempty"`
}

// PaginationMeta describes a cursor or offset page of results.
type PaginationMeta struct {
	Total       int  `json:"total"`
	Limit       int  `json:"limit"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
	NextCursor  string `json:"next_cursor,omitempty"`
}

func response(success bool, data interface{}, errStr, message string, meta *PaginationMeta) *Response {
	return &Response{Success: success, Data: data, Error: errStr, Message: message, Meta: meta}
}

// Success writes a 2xx envelope.
func Success(w http.ResponseWriter, status int, data interface{}, message string, meta *PaginationMeta) {
	WriteJSON(w, status, response(true, data, "", message, meta))
}

// Fail writes an error envelope, mapping the error's taxonomy Kind to an
// HTTP status; errors outside the taxonomy map as KindInternal.
func Fail(w http.ResponseWriter, err error, message string) {
	kind := apperror.KindOf(err)
	WriteJSON(w, apperror.HTTPStatus(kind), response(false, nil, err.Error(), message, nil))
}

// WriteJSON writes an arbitrary payload with the standard content type.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
