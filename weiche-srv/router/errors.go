package router

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Error represents a routing-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and description
func NewError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Routing Error Codes
const (
	// Configuration and Table Loading Errors (E1000-E1999)
	ErrCodeConfigNotFound     = "E1001"
	ErrCodeConfigMalformed    = "E1002"
	ErrCodeInvalidProxyURL    = "E1003"
	ErrCodeUnsupportedScheme  = "E1004"
	ErrCodeInvalidRule        = "E1005"
	ErrCodeDuplicateProxyName = "E1006"
	ErrCodeNoRules            = "E1007"
	ErrCodeInvalidModeSpec    = "E1008"

	// Selection and Affinity Errors (E2000-E2999)
	ErrCodeNoMatchingProxy = "E2001"
	ErrCodeUnknownProxy    = "E2002"
	ErrCodeEmptyCandidates = "E2003"

	// Upstream Dialing Errors (E3000-E3999)
	ErrCodeUpstreamUnreachable   = "E3001"
	ErrCodeUpstreamAuthRejected  = "E3002"
	ErrCodeTargetRefused         = "E3003"
	ErrCodeCONNECTRequestFailed  = "E3004"
	ErrCodeCONNECTResponseFailed = "E3005"
	ErrCodeSOCKS5DialerFailed    = "E3006"
	ErrCodeTLSUpstreamFailed     = "E3007"
	ErrCodeDialCancelled         = "E3008"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	// Configuration and Table Loading Errors
	ErrCodeConfigNotFound:     "No proxies configuration file found",
	ErrCodeConfigMalformed:    "Proxies configuration is malformed",
	ErrCodeInvalidProxyURL:    "Invalid upstream proxy URL",
	ErrCodeUnsupportedScheme:  "Unsupported upstream proxy scheme",
	ErrCodeInvalidRule:        "Invalid routing rule definition",
	ErrCodeDuplicateProxyName: "Duplicate upstream proxy name",
	ErrCodeNoRules:            "Upstream proxy has no valid rules",
	ErrCodeInvalidModeSpec:    "Invalid mode selector string",

	// Selection and Affinity Errors
	ErrCodeNoMatchingProxy: "No upstream proxy matches the target",
	ErrCodeUnknownProxy:    "Upstream proxy not present in routing table",
	ErrCodeEmptyCandidates: "Weighted selection over empty candidate set",

	// Upstream Dialing Errors
	ErrCodeUpstreamUnreachable:   "Upstream proxy is unreachable",
	ErrCodeUpstreamAuthRejected:  "Upstream proxy rejected authentication",
	ErrCodeTargetRefused:         "Upstream proxy refused to reach the target",
	ErrCodeCONNECTRequestFailed:  "Failed to send CONNECT request to upstream",
	ErrCodeCONNECTResponseFailed: "Failed to read CONNECT response from upstream",
	ErrCodeSOCKS5DialerFailed:    "Failed to create SOCKS5 dialer",
	ErrCodeTLSUpstreamFailed:     "TLS handshake with upstream proxy failed",
	ErrCodeDialCancelled:         "Upstream dial cancelled",
}

// Helper functions to create common errors

// NewConfigError creates a configuration-related error
func NewConfigError(code, description string, cause error) *Error {
	return NewError(code, description, cause)
}

// NewRoutingError creates a selection or affinity related error
func NewRoutingError(code, description string, cause error) *Error {
	return NewError(code, description, cause)
}

// NewDialError creates an upstream dialing error
func NewDialError(code, description string, cause error) *Error {
	return NewError(code, description, cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// AsError extracts a routing *Error from an error chain
func AsError(err error) (*Error, bool) {
	var routeErr *Error
	if errors.As(err, &routeErr) {
		return routeErr, true
	}
	return nil, false
}

// IsConfigError checks if the error is configuration-related
func IsConfigError(err error) bool {
	if routeErr, ok := AsError(err); ok {
		return routeErr.Code >= "E1000" && routeErr.Code < "E2000"
	}
	return false
}

// IsDialError checks if the error is upstream-dialing related
func IsDialError(err error) bool {
	if routeErr, ok := AsError(err); ok {
		return routeErr.Code >= "E3000" && routeErr.Code < "E4000"
	}
	return false
}

// IsAuthRejected checks if the upstream rejected our credentials
func IsAuthRejected(err error) bool {
	if routeErr, ok := AsError(err); ok {
		return routeErr.Code == ErrCodeUpstreamAuthRejected
	}
	return false
}

// IsUnreachable checks if the upstream itself could not be reached
func IsUnreachable(err error) bool {
	if routeErr, ok := AsError(err); ok {
		return routeErr.Code == ErrCodeUpstreamUnreachable
	}
	return false
}

// DialErrorType returns a short stable label for a dial failure,
// used when recording the failure in statistics.
func DialErrorType(err error) string {
	routeErr, ok := AsError(err)
	if !ok {
		return "other"
	}
	switch routeErr.Code {
	case ErrCodeUpstreamUnreachable:
		return "unreachable"
	case ErrCodeUpstreamAuthRejected:
		return "auth_rejected"
	case ErrCodeTargetRefused:
		return "target_refused"
	case ErrCodeDialCancelled:
		return "cancelled"
	default:
		return "other"
	}
}

// NewBadGatewayResponse creates an HTTP 502 Bad Gateway response from an error code.
// It populates the response body with the error code and its description in HTML format.
func NewBadGatewayResponse(errorCode string) *http.Response {
	description := GetErrorDescription(errorCode)
	title := "502 Bad Gateway"
	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>%s</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; background-color: #f4f4f4; color: #333; }
        .container { background-color: #fff; padding: 20px; border-radius: 5px; box-shadow: 0 0 10px rgba(0,0,0,0.1); }
        h1 { color: #d9534f; }
        p { font-size: 1.1em; }
        .error-code { font-weight: bold; color: #c9302c; }
    </style>
</head>
<body>
    <div class="container">
        <h1>%s</h1>
        <p>The proxy could not establish a connection through the selected upstream proxy.</p>
        <p><span class="error-code">Error Code:</span> %s</p>
        <p><span class="error-code">Description:</span> %s</p>
    </div>
</body>
</html>`, title, title, errorCode, description)

	bodyBytes := []byte(htmlBody)

	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", fmt.Sprintf("%d", len(bodyBytes)))
	header.Set("X-Proxy-Error", errorCode)

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusBadGateway, http.StatusText(http.StatusBadGateway)),
		StatusCode:    http.StatusBadGateway,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: int64(len(bodyBytes)),
	}
}
