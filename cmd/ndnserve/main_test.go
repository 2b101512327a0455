package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndnstream/backend/daemon/config"
	"github.com/ndnstream/backend/internal/chunker"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
)

func manifestFor(t *testing.T, p ndn.Producer, name string) chunker.Manifest {
	t.Helper()
	d, ok := p.Serve(&ndn.Interest{Name: ndn.ParseName(name).Manifest()})
	require.True(t, ok, name)
	var m chunker.Manifest
	require.NoError(t, m.UnmarshalBinary(d.Content))
	return m
}

func TestBuildProducer_MountsEverySource(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello"), 0o644))
	sizes := filepath.Join(dir, "sizes.csv")
	require.NoError(t, os.WriteFile(sizes, []byte("big.bin,100000\n"), 0o644))
	content := filepath.Join(dir, "content.txt")
	require.NoError(t, os.WriteFile(content, []byte("segmentDuration=2\nnumberOfSegments=3\nreprId,screenWidth,screenHeight,bitrate\n1,320,240,250\n"), 0o644))

	pc := config.DefaultConfig().Producer
	pc.Root = root
	pc.SizeTable = sizes
	pc.Content = content

	mux, d, err := buildProducer(pc, observability.NopLogger(), nil)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, int64(5), manifestFor(t, mux, "/ndnstream/files/hello.txt").Size)
	assert.Equal(t, int64(100000), manifestFor(t, mux, "/ndnstream/sizes/big.bin").Size)
	assert.Positive(t, manifestFor(t, mux, "/ndnstream/MyVideo.mpd").Size)
	assert.False(t, manifestFor(t, mux, "/ndnstream/files/none").Found())
}

func TestBuildProducer_NeedsASource(t *testing.T) {
	_, _, err := buildProducer(config.DefaultConfig().Producer, observability.NopLogger(), nil)
	assert.ErrorContains(t, err, "nothing to serve")

	pc := config.DefaultConfig().Producer
	pc.SizeTable = filepath.Join(t.TempDir(), "missing.csv")
	_, _, err = buildProducer(pc, observability.NopLogger(), nil)
	assert.Error(t, err)
}
