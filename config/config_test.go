package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `
transport:
  protocol: tcp
shards:
  datasets:
    - {address: "localhost:9900", provider_id: 1, database_ids: [1]}
  runs:
    - {address: "localhost:9900", provider_id: 1, database_ids: [2]}
  subruns:
    - {address: "localhost:9900", provider_id: 1, database_ids: [3]}
  events:
    - {address: "localhost:9900", provider_id: 1, database_ids: [4, 5]}
    - {address: "localhost:9901", provider_id: 2, database_ids: [6]}
  products:
    - {address: "localhost:9901", provider_id: 2, database_ids: [7]}
prefetch:
  cache_size: 8
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	require.Equal(t, "tcp", c.Transport.Protocol)
	require.Len(t, c.Shards.Events, 2)
	require.Equal(t, []uint64{4, 5}, c.Shards.Events[0].DatabaseIDs)
	require.Equal(t, uint16(2), c.Shards.Events[1].ProviderID)

	// Explicit value kept, absent values defaulted.
	require.Equal(t, 8, c.Prefetch.CacheSize)
	require.Equal(t, DefaultBatchSize, c.Prefetch.BatchSize)
	require.Equal(t, 0, c.Async.Threads)
}

func TestParseRejectsMissingCategory(t *testing.T) {
	_, err := Parse([]byte(`
shards:
  datasets:
    - {address: "a", database_ids: [1]}
`))
	require.ErrorContains(t, err, "no runs endpoints")
}

func TestParseRejectsBadEndpoint(t *testing.T) {
	_, err := Parse([]byte(`
shards:
  datasets:
    - {address: "", database_ids: [1]}
  runs: [{address: "a", database_ids: [1]}]
  subruns: [{address: "a", database_ids: [1]}]
  events: [{address: "a", database_ids: [1]}]
  products: [{address: "a", database_ids: [1]}]
`))
	require.ErrorContains(t, err, "no address")

	_, err = Parse([]byte(`
shards:
  datasets: [{address: "a", database_ids: []}]
  runs: [{address: "a", database_ids: [1]}]
  subruns: [{address: "a", database_ids: [1]}]
  events: [{address: "a", database_ids: [1]}]
  products: [{address: "a", database_ids: [1]}]
`))
	require.ErrorContains(t, err, "no database ids")
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	t.Setenv(EnvConfigFile, path)

	c, err := Load("")
	require.NoError(t, err)
	require.Len(t, c.Shards.Products, 1)

	t.Setenv(EnvConfigFile, "")
	_, err = Load("")
	require.ErrorContains(t, err, EnvConfigFile)
}

func TestEncodeRoundTrip(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	data, err := c.Encode()
	require.NoError(t, err)
	c2, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, c, c2)
}
