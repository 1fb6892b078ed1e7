package httpx

import (
	"fmt"
	"net/http"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

// DecodeAndValidate decodes the JSON body into target and runs struct tags.
// Failures are wrapped in ErrValidation.
func DecodeAndValidate(r *http.Request, target any) error {
	if err := DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return shared.Validate(target)
}
