package docker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunLabels() RunLabels {
	return RunLabels{
		RunID:     "3f2b6c1e-8d7a-4b1e-9c55-0a6f2f7d9e10",
		Job:       "build-and-test",
		Workflow:  "Test transition-scenarios",
		RunRoot:   "/tmp/pipeline-run",
		CreatedAt: time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC),
	}
}

// TestBuildLabels verifies that every metadata field lands under its key.
func TestBuildLabels(t *testing.T) {
	labels := BuildLabels(testRunLabels())

	assert.Equal(t, ManagedByValue, labels[LabelManagedBy])
	assert.Equal(t, "3f2b6c1e-8d7a-4b1e-9c55-0a6f2f7d9e10", labels[LabelRunID])
	assert.Equal(t, "build-and-test", labels[LabelJob])
	assert.Equal(t, "Test transition-scenarios", labels[LabelWorkflow])
	assert.Equal(t, "/tmp/pipeline-run", labels[LabelRunRoot])
	assert.Equal(t, "2026-02-28T10:00:00Z", labels[LabelCreatedAt])
	assert.Len(t, labels, 6)
}

// TestBuildLabels_UTC verifies that local timestamps are normalized.
func TestBuildLabels_UTC(t *testing.T) {
	meta := testRunLabels()
	meta.CreatedAt = time.Date(2026, 2, 28, 19, 0, 0, 0, time.FixedZone("JST", 9*60*60))

	assert.Equal(t, "2026-02-28T10:00:00Z", BuildLabels(meta)[LabelCreatedAt])
}

func TestParseLabels_RoundTrip(t *testing.T) {
	meta := testRunLabels()

	parsed, err := ParseLabels(BuildLabels(meta))
	require.NoError(t, err)
	assert.Equal(t, meta, parsed)
}

func TestParseLabels_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]string)
		wantErr string
	}{
		{
			name: "missing keys are listed together",
			mutate: func(l map[string]string) {
				delete(l, LabelRunID)
				delete(l, LabelJob)
			},
			wantErr: "pipeline.run-id, pipeline.job",
		},
		{
			name:    "foreign manager",
			mutate:  func(l map[string]string) { l[LabelManagedBy] = "other-tool" },
			wantErr: "unexpected value",
		},
		{
			name:    "bad timestamp",
			mutate:  func(l map[string]string) { l[LabelCreatedAt] = "yesterday" },
			wantErr: LabelCreatedAt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := BuildLabels(testRunLabels())
			tt.mutate(labels)

			_, err := ParseLabels(labels)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

// TestParseLabels_RunRootOptional covers containers created before the
// run-root label existed.
func TestParseLabels_RunRootOptional(t *testing.T) {
	labels := BuildLabels(testRunLabels())
	delete(labels, LabelRunRoot)

	parsed, err := ParseLabels(labels)
	require.NoError(t, err)
	assert.Empty(t, parsed.RunRoot)
}

func TestManagedFilter(t *testing.T) {
	all := ManagedFilter("")
	assert.Equal(t, []string{"pipeline.managed-by=pipeline-runner"}, all.Get("label"))

	one := ManagedFilter("abc")
	assert.ElementsMatch(t,
		[]string{"pipeline.managed-by=pipeline-runner", "pipeline.run-id=abc"},
		one.Get("label"))
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "pipeline-build-and-test-3f2b6c1e",
		ContainerName("build-and-test", "3f2b6c1e-8d7a-4b1e-9c55-0a6f2f7d9e10"))
	assert.Equal(t, "pipeline-check-ab", ContainerName("check", "ab"))
}
