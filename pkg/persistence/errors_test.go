package persistence_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pieceflow/pieceflow/pkg/persistence"
)

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	t.Run("version error unwraps to its sentinel", func(t *testing.T) {
		t.Parallel()

		err := persistence.NewVersionError("LockVersion", "fv-123", persistence.ErrFlowVersionNotFound)

		assert.True(t, errors.Is(err, persistence.ErrFlowVersionNotFound))
		assert.Contains(t, err.Error(), "LockVersion")
		assert.Contains(t, err.Error(), "fv-123")
		assert.Contains(t, err.Error(), "flow version not found")
	})

	t.Run("run error unwraps to its sentinel", func(t *testing.T) {
		t.Parallel()

		err := persistence.NewRunError("SaveRun", "run-456", persistence.ErrRunTerminal)

		assert.True(t, errors.Is(err, persistence.ErrRunTerminal))
		assert.Contains(t, err.Error(), "SaveRun")
		assert.Contains(t, err.Error(), "run-456")
		assert.Contains(t, err.Error(), "terminal")
	})

	t.Run("sentinels stay distinct", func(t *testing.T) {
		t.Parallel()

		err := persistence.NewRunError("RecordStep", "run-456", persistence.ErrRunNotFound)

		assert.False(t, errors.Is(err, persistence.ErrRunTerminal))
		assert.False(t, errors.Is(err, persistence.ErrFlowVersionNotFound))
	})
}
