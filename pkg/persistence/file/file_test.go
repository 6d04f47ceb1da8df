package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/persistence/file"
	"github.com/pieceflow/pieceflow/pkg/persistence/persistencetest"
	"github.com/pieceflow/pieceflow/pkg/testutil"
)

func TestFileContract(t *testing.T) {
	t.Parallel()

	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		return file.NewPersistence(t.TempDir())
	})
}

func TestReopenSeesSavedData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()

	version := testutil.CreateTestFlowVersion(testutil.CreateTestTrigger(""))
	version.State = models.FlowVersionStateDraft

	first := file.NewPersistence(root)
	require.NoError(t, first.Flows().SaveVersion(ctx, version))

	_, err := first.Flows().LockVersion(ctx, version.ID)
	require.NoError(t, err)

	run := testutil.CreateTestRun(version, map[string]any{"n": "1"})
	require.NoError(t, first.Runs().CreateRun(ctx, run))
	require.NoError(t, first.Runs().RequestStop(ctx, run.ID))

	// A second instance over the same root sees everything.
	second := file.NewPersistence(root)

	got, err := second.Flows().VersionByID(ctx, version.ID)
	require.NoError(t, err)
	require.True(t, got.Locked())

	stopped, err := second.Runs().StopRequested(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, stopped)
}

func TestFilePrefixStripped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()

	p := file.NewPersistence("file://" + root)

	version := testutil.CreateTestFlowVersion(testutil.CreateTestTrigger(""))
	version.State = models.FlowVersionStateDraft
	require.NoError(t, p.Flows().SaveVersion(ctx, version))

	_, err := os.Stat(filepath.Join(root, "flow_versions", version.ID+".json"))
	require.NoError(t, err)
}

func TestRejectsPathTraversalIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := file.NewPersistence(t.TempDir())

	version := testutil.CreateTestFlowVersion(testutil.CreateTestTrigger(""))
	version.ID = "../escape"
	require.Error(t, p.Flows().SaveVersion(ctx, version))

	_, err := p.Runs().RunByID(ctx, "../../etc/passwd")
	require.Error(t, err)
	require.NotErrorIs(t, err, persistence.ErrRunNotFound)
}
