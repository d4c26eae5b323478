package api

import (
	"errors"
	"net/http"

	"github.com/ruteri/device-relay-backend/interfaces"
)

// ErrBadRequest marks a request body that could not be decoded.
var ErrBadRequest = errors.New("bad request")

var errorStatus = []struct {
	err     error
	status  int
	message string
}{
	{interfaces.ErrInvalidToken, http.StatusForbidden, "Invalid token"},
	{interfaces.ErrExpiredToken, http.StatusForbidden, "Token expired"},
	{interfaces.ErrTokenAlreadyUsed, http.StatusForbidden, "Token already used"},
	{interfaces.ErrAuthFailed, http.StatusForbidden, "Authentication failed"},
	{interfaces.ErrDeviceNotFound, http.StatusNotFound, "Device not found"},
	{interfaces.ErrCommandNotFound, http.StatusNotFound, "Command not found"},
	{interfaces.ErrDeviceInactive, http.StatusConflict, "Device inactive"},
	{interfaces.ErrCommandNotDelivered, http.StatusConflict, "Command not delivered"},
	{interfaces.ErrCommandFinalized, http.StatusConflict, "Command already finalized"},
	{interfaces.ErrUnsupportedCapability, http.StatusBadRequest, "Unsupported capability"},
	{interfaces.ErrInvalidParams, http.StatusBadRequest, "Invalid parameters"},
	{interfaces.ErrDecrypt, http.StatusBadRequest, "Decryption failed"},
	{ErrBadRequest, http.StatusBadRequest, "Invalid request body"},
}

// StatusFor maps a domain error to an HTTP status and a short message that is
// safe to return to an untrusted caller. Unknown errors are 500.
func StatusFor(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.message
		}
	}
	return http.StatusInternalServerError, "Internal server error"
}
