package filetransfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePath_AcceptsPlainFilename(t *testing.T) {
	dir := t.TempDir()
	got, err := sanitizePath(dir, "report.pdf")
	require.NoError(t, err)
	assert.Contains(t, got, "report.pdf")
}

func TestSanitizePath_RejectsParentTraversal(t *testing.T) {
	dir := t.TempDir()
	_, err := sanitizePath(dir, "../../etc/passwd")
	assert.Error(t, err)
}

func TestSanitizePath_RejectsEmptyFilename(t *testing.T) {
	dir := t.TempDir()
	_, err := sanitizePath(dir, "")
	assert.Error(t, err)
}

func TestSanitizePath_RejectsRootItself(t *testing.T) {
	dir := t.TempDir()
	_, err := sanitizePath(dir, ".")
	assert.Error(t, err)
}
