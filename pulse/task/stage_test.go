package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cratemine/errors"
)

func TestPrecedenceTable(t *testing.T) {
	require.NoError(t, ValidatePrecedence())

	assert.True(t, FetchMetadata.IsRoot())
	assert.Equal(t, []StageKind{ExtractArchive}, ComputeWasteReport.Predecessors())
	assert.Equal(t, []StageKind{ComputeWasteReport}, ExtractArchive.Successors())
	assert.Empty(t, AggregateReport.Successors())
}

func TestPrecedenceFollowsPipelineOrder(t *testing.T) {
	pos := map[StageKind]int{}
	for i, s := range Stages {
		pos[s] = i
	}
	for _, s := range Stages {
		for _, p := range s.Predecessors() {
			assert.Less(t, pos[p], pos[s], "%s must come after %s", s, p)
		}
	}
}

func TestParseStage(t *testing.T) {
	k, err := ParseStage("download_archive")
	require.NoError(t, err)
	assert.Equal(t, DownloadArchive, k)

	_, err = ParseStage("upload_archive")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestResources(t *testing.T) {
	assert.Equal(t, ResourceNetwork, FetchMetadata.Resource())
	assert.Equal(t, ResourceNetwork, DownloadArchive.Resource())
	assert.Equal(t, ResourceCPU, ExtractArchive.Resource())
	assert.Equal(t, ResourceCPU, ComputeWasteReport.Resource())
	assert.Equal(t, ResourceDisk, AggregateReport.Resource())
}
