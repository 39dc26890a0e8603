// Package security provides validation, sanitization, and limits for the dispatch module.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mediagrid/dispatch/pkg/core"
)

// Security limits and configuration
const (
	// MaxServiceTypeLength is the maximum length for service type names
	MaxServiceTypeLength = 255

	// MaxOperationLength is the maximum length for operation names
	MaxOperationLength = 255

	// MaxArgumentsSize is the maximum combined size in bytes for job arguments (1MB)
	MaxArgumentsSize = 1 << 20

	// MaxConcurrency is the hard limit for per-host concurrent jobs
	MaxConcurrency = 1000

	// MaxDetailTextLength is the maximum length for stored incident detail text
	MaxDetailTextLength = 4096

	// MaxHostLength is the maximum length for host addresses
	MaxHostLength = 255
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// validCode matches the service_type.number incident code convention
var validCode = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*\.[0-9]+$`)

// ValidateServiceType validates a service type name
func ValidateServiceType(name string) error {
	if name == "" {
		return core.ErrInvalidServiceType
	}
	if len(name) > MaxServiceTypeLength {
		return core.ErrServiceTypeTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidServiceType
	}
	return nil
}

// ValidateOperation validates an operation name
func ValidateOperation(name string) error {
	if name == "" {
		return core.ErrInvalidOperation
	}
	if len(name) > MaxOperationLength {
		return core.ErrOperationTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidOperation
	}
	return nil
}

// ValidateHost validates a host address for registration
func ValidateHost(host string) error {
	if host == "" || len(host) > MaxHostLength {
		return core.ErrInvalidHost
	}
	if strings.ContainsAny(host, " \t\r\n") {
		return core.ErrInvalidHost
	}
	return nil
}

// ValidateIncidentCode checks the service_type.number convention
func ValidateIncidentCode(code string) error {
	if code == "" || !validCode.MatchString(code) {
		return core.ErrInvalidIncidentCode
	}
	return nil
}

// ValidateArguments enforces the combined size limit on job arguments
func ValidateArguments(args []string) error {
	total := 0
	for _, a := range args {
		total += len(a)
		if total > MaxArgumentsSize {
			return core.ErrArgumentsTooLarge
		}
	}
	return nil
}

// SanitizeDetailText truncates and sanitizes incident detail text for storage
func SanitizeDetailText(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxDetailTextLength {
		runes := []rune(result)
		result = string(runes[:MaxDetailTextLength-3]) + "..."
	}

	return result
}

// ClampConcurrency ensures per-host concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
