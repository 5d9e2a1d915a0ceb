package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/oklog/ulid/v2"
)

// storeCall runs fn under the store timeout. A timeout surfaces as
// ErrStorageUnavailable; cancellation by the caller is returned as is.
func storeCall(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := storeGet(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func storeGet[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := fn(callCtx)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil {
		return v, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, core.ErrStorageUnavailable) {
		return v, fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return v, err
}

// randomHex returns n random bytes, hex encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newEventID returns a ULID so risk events sort by observation time.
func newEventID(t time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), ulidEntropy).String()
}
