package redact_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/phrazzld/data-retrieval/internal/redact"
	"github.com/stretchr/testify/assert"
)

func TestRedactString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "no sensitive data",
			input:    "retrieval task not found",
			expected: "retrieval task not found",
		},
		{
			name:     "database connection string",
			input:    "dial postgres://app:s3cret@db:5432/retrieval failed",
			expected: "dial [REDACTED_CREDENTIAL]db:5432/retrieval failed",
		},
		{
			name:     "redis url",
			input:    "connect redis://:pw@cache:6379",
			expected: "connect [REDACTED_CREDENTIAL]cache:6379",
		},
		{
			name:     "password parameter",
			input:    "login with password=hunter22 rejected",
			expected: "login with [REDACTED_CREDENTIAL] rejected",
		},
		{
			name:     "image storage path",
			input:    "write hospital/1234/patient-smith.dcm: disk full",
			expected: "write [REDACTED_PATH]: disk full",
		},
		{
			name:     "inline image content",
			input:    "payload " + strings.Repeat("QUJD", 20),
			expected: "payload [REDACTED_CONTENT]",
		},
		{
			name:     "sql fragment",
			input:    "query failed: SELECT id FROM retrieval_tasks WHERE",
			expected: "query failed: [REDACTED_SQL] WHERE",
		},
		{
			name:     "host and port",
			input:    "dial tcp broker.internal.example:6379: refused",
			expected: "dial tcp [REDACTED_HOST]: refused",
		},
		{
			name:     "ip address",
			input:    "dial tcp 10.0.0.12:5432: connection refused",
			expected: "dial tcp [REDACTED_HOST]: connection refused",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, redact.String(tc.input))
		})
	}
}

func TestRedactError(t *testing.T) {
	assert.Equal(t, "", redact.Error(nil))

	err := fmt.Errorf("store image: %w", errors.New("open hospital/42/scan.dcm: permission denied"))
	assert.Equal(t, "store image: open [REDACTED_PATH]: permission denied", redact.Error(err))
}
