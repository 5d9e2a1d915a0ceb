package store

import (
	"fmt"

	"github.com/layer-3/walletauth/core"
)

// storageErr marks err as a transient backend failure.
func storageErr(err error) error {
	return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
}
