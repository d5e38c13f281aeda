package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
	"github.com/kenneth/cipherchat/internal/cache"
	"github.com/kenneth/cipherchat/internal/crypto"
	"github.com/kenneth/cipherchat/internal/protocol"
	"github.com/kenneth/cipherchat/internal/storage"
	"github.com/kenneth/cipherchat/internal/transfer"
)

// APIError is the JSON error body returned by every endpoint.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Resource   string `json:"resource,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WithResource returns a copy of e naming the resource it concerns.
func (e *APIError) WithResource(resource string) *APIError {
	c := *e
	c.Resource = resource
	return &c
}

// WriteJSON writes e as the response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(e)
}

type errorMapping struct {
	target error
	code   string
	status int
}

// Checked in order; the first match wins.
var errorMappings = []errorMapping{
	{crypto.ErrInvalidKey, "InvalidKey", http.StatusBadRequest},
	{crypto.ErrDecode, "MalformedInput", http.StatusBadRequest},
	{crypto.ErrFormat, "MalformedCiphertext", http.StatusBadRequest},
	{crypto.ErrSignatureInvalid, "SignatureInvalid", http.StatusUnprocessableEntity},
	{transfer.ErrChecksumMismatch, "ChecksumMismatch", http.StatusUnprocessableEntity},
	{transfer.ErrChunkCountMismatch, "ChunkCountMismatch", http.StatusUnprocessableEntity},
	{transfer.ErrChunkSizeMismatch, "ChunkSizeMismatch", http.StatusUnprocessableEntity},
	{transfer.ErrFileSizeMismatch, "FileSizeMismatch", http.StatusUnprocessableEntity},
	{transfer.ErrUnsupportedFile, "UnsupportedFile", http.StatusRequestEntityTooLarge},
	{protocol.ErrMalformedFrame, "MalformedFrame", http.StatusBadRequest},
	{transfer.ErrInvalidRecord, "InvalidRecord", http.StatusBadRequest},
	{transfer.ErrUnknownTransfer, "UnknownTransfer", http.StatusBadRequest},
	{storage.ErrNotFound, "NoSuchFile", http.StatusNotFound},
	{storage.ErrInvalidKey, "InvalidFileKey", http.StatusBadRequest},
	{cache.ErrTooLarge, "InboxFull", http.StatusInsufficientStorage},
	{context.DeadlineExceeded, "Timeout", http.StatusGatewayTimeout},
}

// TranslateError maps domain and storage backend errors to API errors.
func TranslateError(err error, resource string) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.WithResource(resource)
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return &APIError{
				Code:       m.code,
				Message:    err.Error(),
				Resource:   resource,
				HTTPStatus: m.status,
			}
		}
	}

	// Errors surfaced by the S3 storage backend.
	var smithyErr smithy.APIError
	if errors.As(err, &smithyErr) {
		switch smithyErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return &APIError{
				Code:       "StorageAccessDenied",
				Message:    "The storage backend denied access.",
				Resource:   resource,
				HTTPStatus: http.StatusBadGateway,
			}
		case "NoSuchBucket":
			return &APIError{
				Code:       "StorageUnavailable",
				Message:    "The storage bucket does not exist.",
				Resource:   resource,
				HTTPStatus: http.StatusBadGateway,
			}
		}
	}

	return &APIError{
		Code:       "InternalError",
		Message:    fmt.Sprintf("We encountered an internal error. Please try again: %v", err),
		Resource:   resource,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined API errors.
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNoSuchFile = &APIError{
		Code:       "NoSuchFile",
		Message:    "The specified file does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrBodyTooLarge = &APIError{
		Code:       "EntityTooLarge",
		Message:    "The request body exceeds the maximum allowed size.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrHistoryDisabled = &APIError{
		Code:       "HistoryDisabled",
		Message:    "Transfer history is not enabled on this node.",
		HTTPStatus: http.StatusNotImplemented,
	}
)
