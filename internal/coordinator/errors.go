package coordinator

import (
	"fmt"

	"tigerengage/pkg/types"
)

// wrapPersistence tags a store failure as the retryable error kind. The
// failed operation broadcast nothing, so retrying the identical call is safe.
func wrapPersistence(err error) error {
	return fmt.Errorf("%w: %v", types.ErrPersistence, err)
}
