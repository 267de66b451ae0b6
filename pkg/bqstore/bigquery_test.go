package bqstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBigQueryDatasetConfigFromEnv(t *testing.T) {
	t.Run("Defaults table ID", func(t *testing.T) {
		t.Setenv("GCP_PROJECT_ID", "test-project")
		t.Setenv("BQ_DATASET_ID", "telemetry")
		t.Setenv("BQ_TABLE_ID", "")

		cfg, err := LoadBigQueryDatasetConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "test-project", cfg.ProjectID)
		assert.Equal(t, "telemetry", cfg.DatasetID)
		assert.Equal(t, "curated_messages", cfg.TableID)
	})

	t.Run("Missing project fails", func(t *testing.T) {
		t.Setenv("GCP_PROJECT_ID", "")
		t.Setenv("BQ_DATASET_ID", "telemetry")

		_, err := LoadBigQueryDatasetConfigFromEnv()
		require.Error(t, err)
	})

	t.Run("Missing dataset fails", func(t *testing.T) {
		t.Setenv("GCP_PROJECT_ID", "test-project")
		t.Setenv("BQ_DATASET_ID", "")

		_, err := LoadBigQueryDatasetConfigFromEnv()
		require.Error(t, err)
	})
}
