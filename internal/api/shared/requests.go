package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/phrazzld/data-retrieval/internal/domain"
)

// MaxJSONBody bounds JSON request bodies. Batch uploads carry base64 image
// content, so the limit is generous.
const MaxJSONBody = 64 << 20

// DecodeJSON decodes the request body into v. Unknown fields are rejected
// and decoding failures wrap domain.ErrValidation.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", domain.ErrValidation)
		}
		return fmt.Errorf("%w: invalid request body: %w", domain.ErrValidation, err)
	}
	return nil
}
