package httputil

import (
	"fmt"
	"io"
	"net/http"

	"github.com/sentinelsec/sentinel"
)

// CheckResponse takes a http.Response and a variadic of ints representing
// acceptable http status codes. The error returned classifies the failure
// by status class and attempts to include some content from the server's
// response.
func CheckResponse(resp *http.Response, acceptableCodes ...int) error {
	for _, code := range acceptableCodes {
		if resp.StatusCode == code {
			return nil
		}
	}
	var msg string
	limitBody, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err == nil && len(limitBody) != 0 {
		msg = fmt.Sprintf("unexpected status code: %s (body starts: %q)", resp.Status, limitBody)
	} else {
		msg = fmt.Sprintf("unexpected status code: %s", resp.Status)
	}
	return &sentinel.Error{
		Kind:    classify(resp.StatusCode),
		Message: msg,
	}
}

// classify maps a rejected status code onto an error kind: auth failures
// are credential errors, 429 and 5xx are transient, the rest internal.
func classify(code int) sentinel.ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return sentinel.ErrCredential
	case code == http.StatusTooManyRequests || code >= 500:
		return sentinel.ErrTransient
	}
	return sentinel.ErrInternal
}
