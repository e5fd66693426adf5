// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sigload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/errors"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.3", 0},
		{"1.2.3", "1.2.4", -1},
		{"1.2.4", "1.2.3", 1},
		{"2.0.0", "1.9.9", 1},
		{"1.10.0", "1.9.0", 1},
		{"not.a.version", "1.2.3", 0},
		{"1.2", "1.2.3", 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CompareVersions(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
		// Anti-symmetry holds for every pair.
		assert.Equal(t, -CompareVersions(tc.a, tc.b), CompareVersions(tc.b, tc.a))
	}
}

// loadRecorder records the blobs handed to Load and can refuse versions.
type loadRecorder struct {
	classify.Engine
	loads  [][]byte
	refuse map[string]bool
}

func newLoadRecorder() *loadRecorder {
	return &loadRecorder{Engine: classify.NewNullEngine(), refuse: map[string]bool{}}
}

func (e *loadRecorder) Load(blob []byte) error {
	if e.refuse[string(blob)] {
		return errors.New(errors.KindInternal, "corrupt bundle")
	}
	e.loads = append(e.loads, blob)
	return nil
}

func installBundle(t *testing.T, root, version, content string) {
	t.Helper()
	dir := filepath.Join(root, version, filepath.Dir(signaturePath))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, version, signaturePath), []byte(content), 0o644))
}

func TestLoadBestPicksHighestVersion(t *testing.T) {
	root := t.TempDir()
	installBundle(t, root, "1.2.3", "sig-123")
	installBundle(t, root, "1.2.4", "sig-124")

	engine := newLoadRecorder()
	plugin := classify.NewPlugin("walleye_dpi", engine, "", "")
	l := NewLoader(root, engine, plugin)

	require.NoError(t, l.LoadBest())
	assert.Equal(t, "1.2.4", l.ActiveVersion)
	assert.True(t, plugin.SignatureLoaded)
	require.Len(t, engine.loads, 1)
	assert.Equal(t, "sig-124", string(engine.loads[0]))
}

func TestLoadBestPrefersLastActive(t *testing.T) {
	root := t.TempDir()
	installBundle(t, root, "1.2.3", "sig-123")
	installBundle(t, root, "1.2.4", "sig-124")

	engine := newLoadRecorder()
	l := NewLoader(root, engine, nil)
	l.LastActive = "1.2.3"

	require.NoError(t, l.LoadBest())
	assert.Equal(t, "1.2.3", l.ActiveVersion)
}

func TestLoadBestFallsBackPastCorruptBundle(t *testing.T) {
	root := t.TempDir()
	installBundle(t, root, "1.2.3", "sig-123")
	installBundle(t, root, "1.2.4", "sig-bad")

	engine := newLoadRecorder()
	engine.refuse["sig-bad"] = true
	l := NewLoader(root, engine, nil)

	require.NoError(t, l.LoadBest())
	assert.Equal(t, "1.2.3", l.ActiveVersion)
	assert.Equal(t, ObjError, l.Objects()["1.2.4"].State)
}

func TestSignatureSwapMarksObsolete(t *testing.T) {
	root := t.TempDir()
	installBundle(t, root, "1.2.3", "sig-123")

	engine := newLoadRecorder()
	l := NewLoader(root, engine, nil)
	require.NoError(t, l.LoadBest())
	require.Equal(t, "1.2.3", l.ActiveVersion)

	installBundle(t, root, "1.2.4", "sig-124")
	require.NoError(t, l.Add("1.2.4"))

	assert.Equal(t, "1.2.4", l.ActiveVersion)
	assert.Equal(t, ObjActive, l.Objects()["1.2.4"].State)
	assert.Equal(t, ObjObsolete, l.Objects()["1.2.3"].State)
	require.Len(t, engine.loads, 2)
}

func TestAddLowerVersionIsIgnored(t *testing.T) {
	root := t.TempDir()
	installBundle(t, root, "1.2.4", "sig-124")

	engine := newLoadRecorder()
	l := NewLoader(root, engine, nil)
	require.NoError(t, l.LoadBest())

	require.NoError(t, l.Add("1.2.3"))
	assert.Equal(t, "1.2.4", l.ActiveVersion)
	require.Len(t, engine.loads, 1)
}

func TestLoadBestWithEmptyStoreFails(t *testing.T) {
	engine := newLoadRecorder()
	l := NewLoader(t.TempDir(), engine, nil)
	assert.Error(t, l.LoadBest())
}
