package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSonameVersion(t *testing.T) {
	v := sonameVersion("libm.so.6")
	require.NotNil(t, v)
	assert.Equal(t, uint64(6), v.Major())

	v = sonameVersion("libssl.so.1.1")
	require.NotNil(t, v)
	assert.Equal(t, uint64(1), v.Major())
	assert.Equal(t, uint64(1), v.Minor())

	assert.Nil(t, sonameVersion("libfoo.so"))
	assert.Nil(t, sonameVersion("libfoo"))
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "_patched", cfg.OutputSuffix)
	assert.Empty(t, cfg.Inserts)
}
