package validation

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAddr(t *testing.T) {
	for _, addr := range []string{":6363", "127.0.0.1:8080", "[::1]:4433"} {
		assert.NoError(t, ValidateAddr(addr), addr)
	}
	for _, addr := range []string{"", "127.0.0.1", "host:", "host:notaport", "bad host:80"} {
		assert.ErrorIs(t, ValidateAddr(addr), ErrInvalidAddr, addr)
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"/", "/video", "/video/MyVideo.mpd", "/files/a.bin/"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "video", "/video//seg", "/a/\x00b"} {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}
}

func TestValidateFilePath(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, ValidateFilePath(dir, true))
	assert.NoError(t, ValidateFilePath(filepath.Join(dir, "later.db"), false))
	assert.ErrorIs(t, ValidateFilePath(filepath.Join(dir, "missing"), true), ErrPathNotExists)
	assert.ErrorIs(t, ValidateFilePath(" ", false), ErrInvalidPath)
}

func TestValidateRangeInt(t *testing.T) {
	assert.NoError(t, ValidateRangeInt(5, 1, 10))
	assert.ErrorIs(t, ValidateRangeInt(0, 1, 10), ErrOutOfRange)
	assert.ErrorIs(t, ValidateRangeInt(11, 1, 10), ErrOutOfRange)
}
