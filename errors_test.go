package unvme

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-unvme/internal/errs"
	"github.com/ehrlich-b/go-unvme/internal/nvme"
)

func TestSentinelErrors(t *testing.T) {
	err := errs.NewQueueError("READ", 1, 7, errs.ErrCodeQueueFull, "")
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.False(t, errors.Is(err, ErrClosed))
	assert.True(t, IsCode(fmt.Errorf("submit: %w", err), ErrCodeQueueFull))
}

func TestDeviceStatus(t *testing.T) {
	e := errs.NewQueueError("WRITE", 1, 3, errs.ErrCodeDeviceStatus, "")
	e.Inner = nvme.NewStatus(errs.SCTMediaError, nvme.SCWriteFault).WithDNR().Err()

	st, ok := DeviceStatus(e)
	require.True(t, ok)
	assert.Equal(t, errs.SCTMediaError, st.SCT)
	assert.Equal(t, nvme.SCWriteFault, st.SC)
	assert.False(t, st.Retryable())
	assert.True(t, errors.Is(e, ErrDeviceStatus))

	_, ok = DeviceStatus(ErrQueueFull)
	assert.False(t, ok)
}
