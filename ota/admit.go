package ota

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

var (
	errBadCredential = errors.New("credential mismatch")
	errEmptyPayload  = errors.New("declared length not positive")
)

// Admit checks an upload request before any byte is written. Checks run in
// order and stop at the first failure: credential (401), size above half the
// total bank capacity (413), non-positive size (400). An empty credential
// disables the first check.
func Admit(req *Request, credential string, capacity int64) error {
	if credential != "" {
		if !req.HasAuth || subtle.ConstantTimeCompare([]byte(req.Authorization), []byte(credential)) != 1 {
			return statusErr(StatusUnauthorized, errBadCredential)
		}
	}
	if limit := capacity / 2; req.ContentLength > limit {
		return statusErr(StatusPayloadTooLarge,
			fmt.Errorf("declared %d bytes, limit %d", req.ContentLength, limit))
	}
	if req.ContentLength <= 0 {
		return statusErr(StatusBadRequest, errEmptyPayload)
	}
	return nil
}
