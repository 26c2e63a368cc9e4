package artifact

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aparcar/asu/buildfix/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJar(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func newVerifier() *Verifier {
	return New(Options{ArtifactDir: "target", ManifestEntry: "META-INF/MANIFEST.MF"})
}

func TestVerifyPicksPrimaryArtifact(t *testing.T) {
	root := t.TempDir()
	writeJar(t, filepath.Join(root, "target", "app-1.0.jar"), map[string]string{
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\n",
		"com/acme/App.class":   strings.Repeat("x", 512),
	})
	writeJar(t, filepath.Join(root, "target", "original-app-1.0.jar"), map[string]string{"a": strings.Repeat("y", 4096)})
	writeJar(t, filepath.Join(root, "target", "app-1.0-sources.jar"), map[string]string{"b": strings.Repeat("z", 4096)})

	result, err := newVerifier().Verify(root)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "target", "app-1.0.jar"), result.ArtifactPath)
	assert.True(t, result.HasManifest)
	assert.Equal(t, 2, result.Entries)

	data, err := os.ReadFile(result.ArtifactPath)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.Checksum)

	sidecar, err := os.ReadFile(result.ArtifactPath + ChecksumSuffix)
	require.NoError(t, err)
	assert.Equal(t, result.Checksum+"  app-1.0.jar\n", string(sidecar))
}

func TestVerifyMissingArtifact(t *testing.T) {
	root := t.TempDir()
	writeJar(t, filepath.Join(root, "target", "app-javadoc.jar"), map[string]string{"x": "y"})

	_, err := newVerifier().Verify(root)
	assert.ErrorIs(t, err, models.ErrArtifactMissing)

	_, err = newVerifier().Verify(t.TempDir())
	assert.ErrorIs(t, err, models.ErrArtifactMissing)
}

func TestVerifyCorruptArtifact(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "target", "app.jar")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	_, err := newVerifier().Verify(root)
	assert.ErrorIs(t, err, models.ErrArtifactCorrupt)
}

func TestVerifyEmptyArchive(t *testing.T) {
	root := t.TempDir()
	writeJar(t, filepath.Join(root, "target", "app.jar"), nil)

	_, err := newVerifier().Verify(root)
	assert.ErrorIs(t, err, models.ErrArtifactCorrupt)
}

func TestVerifyMissingManifestIsNotFatal(t *testing.T) {
	root := t.TempDir()
	writeJar(t, filepath.Join(root, "target", "app.jar"), map[string]string{"com/acme/App.class": "x"})

	result, err := newVerifier().Verify(root)
	require.NoError(t, err)
	assert.False(t, result.HasManifest)
	assert.NotEmpty(t, result.Checksum)
}

func TestVerifySkipped(t *testing.T) {
	v := New(Options{Skip: true})
	result, err := v.Verify(t.TempDir())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, result.Checksum)
	assert.Empty(t, result.ArtifactPath)
}
