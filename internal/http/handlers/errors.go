// Package handlers defines the error codes of the HTTP API.
//
// Every error response carries one of these codes in the envelope written by
// fail(). Clients branch on the code, never on the message.
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "version_conflict",
//	  "message": "scope state changed; expected version 3"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeTooLarge         = "payload_too_large"

	// Sync specific:
	ErrCodeInvalidEvent    = "invalid_event"
	ErrCodeInvalidState    = "invalid_state"
	ErrCodeVersionConflict = "version_conflict"
	ErrCodePublishFailed   = "publish_failed"
	ErrCodePollFailed      = "poll_failed"
)
