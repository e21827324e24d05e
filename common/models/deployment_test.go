package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestManifestHashIgnoresFileOrder(t *testing.T) {
	a := &SyncManifest{Files: []SyncFile{
		{Path: "bin/app", Size: 1024, Checksum: "aaa"},
		{Path: "etc/config.yaml", Size: 64, Checksum: "bbb"},
		{Path: "lib/core.so", Size: 4096, Checksum: "ccc"},
	}}
	b := &SyncManifest{Files: []SyncFile{
		{Path: "lib/core.so", Size: 4096, Checksum: "ccc"},
		{Path: "bin/app", Size: 1024, Checksum: "aaa"},
		{Path: "etc/config.yaml", Size: 64, Checksum: "bbb"},
	}}

	assert.Equal(t, a.Hash(), b.Hash())
}

func TestManifestHashDetectsChanges(t *testing.T) {
	base := &SyncManifest{Files: []SyncFile{{Path: "bin/app", Size: 1024, Checksum: "aaa"}}}

	changedChecksum := &SyncManifest{Files: []SyncFile{{Path: "bin/app", Size: 1024, Checksum: "zzz"}}}
	changedSize := &SyncManifest{Files: []SyncFile{{Path: "bin/app", Size: 2048, Checksum: "aaa"}}}
	changedPath := &SyncManifest{Files: []SyncFile{{Path: "bin/app2", Size: 1024, Checksum: "aaa"}}}
	extraFile := &SyncManifest{Files: []SyncFile{
		{Path: "bin/app", Size: 1024, Checksum: "aaa"},
		{Path: "bin/other", Size: 1, Checksum: "x"},
	}}

	assert.NotEqual(t, base.Hash(), changedChecksum.Hash())
	assert.NotEqual(t, base.Hash(), changedSize.Hash())
	assert.NotEqual(t, base.Hash(), changedPath.Hash())
	assert.NotEqual(t, base.Hash(), extraFile.Hash())
}

func TestManifestHashOrderInvarianceProperty(t *testing.T) {
	fileGen := rapid.Custom(func(t *rapid.T) SyncFile {
		return SyncFile{
			Path:     rapid.StringMatching(`[a-z]{1,8}(/[a-z]{1,8}){0,2}`).Draw(t, "path"),
			Size:     rapid.Int64Range(0, 1<<30).Draw(t, "size"),
			Checksum: rapid.StringMatching(`[0-9a-f]{8}`).Draw(t, "checksum"),
		}
	})

	rapid.Check(t, func(t *rapid.T) {
		files := rapid.SliceOfN(fileGen, 0, 20).Draw(t, "files")
		m := &SyncManifest{Files: files}

		shuffled := make([]SyncFile, len(files))
		copy(shuffled, files)
		perm := rapid.Permutation(shuffled).Draw(t, "perm")

		if got := (&SyncManifest{Files: perm}).Hash(); got != m.Hash() {
			t.Fatalf("hash changed under permutation: %s != %s", got, m.Hash())
		}
	})
}
