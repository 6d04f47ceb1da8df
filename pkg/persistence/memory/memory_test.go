package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/persistence/memory"
	"github.com/pieceflow/pieceflow/pkg/persistence/persistencetest"
	"github.com/pieceflow/pieceflow/pkg/testutil"
)

func TestMemoryContract(t *testing.T) {
	t.Parallel()

	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		return memory.NewPersistence()
	})
}

func TestReturnedRecordsAreDetached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()

	version := testutil.CreateTestFlowVersion(testutil.CreateTestTrigger(""))
	version.State = models.FlowVersionStateDraft
	require.NoError(t, p.Flows().SaveVersion(ctx, version))

	got, err := p.Flows().VersionByID(ctx, version.ID)
	require.NoError(t, err)

	// Mutating a returned record must not leak into the store.
	got.Name = "mutated"
	got.Steps[0].ID = "mutated"

	again, err := p.Flows().VersionByID(ctx, version.ID)
	require.NoError(t, err)
	require.Equal(t, version.Name, again.Name)
	require.Equal(t, "trigger", again.Steps[0].ID)
}
