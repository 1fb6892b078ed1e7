package httpx

import (
	"net/http"
	"strconv"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

// TenantHeader carries the tenant id of every API request.
const TenantHeader = "X-Tenant-ID"

// RequireTenant rejects requests without a positive X-Tenant-ID and stores the
// id in the request context.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(TenantHeader)
		id, err := strconv.ParseInt(raw, 10, 64)
		if raw == "" || err != nil || id <= 0 {
			Problem(w, http.StatusBadRequest, "Validation Failed", shared.ErrTenantRequired.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithTenant(r.Context(), id)))
	})
}
