package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cyverse/irodsfs-go/internal/rclient"
)

func TestRegistry_Open_AssignsMonotonicIDs(t *testing.T) {
	r := New()

	f1 := r.Open("/zone/home/a", 0, nil, rclient.Descriptor(1))
	f2 := r.Open("/zone/home/b", 0, nil, rclient.Descriptor(2))

	assert.NotEqual(t, f1.ID(), f2.ID())
	assert.Less(t, f1.ID(), f2.ID())
}

func TestRegistry_LookupFile_AfterClose(t *testing.T) {
	r := New()
	f := r.Open("/zone/home/a", 0, nil, rclient.Descriptor(1))

	assert.Same(t, f, r.LookupFile(f.ID()))

	r.Close(f.ID())

	assert.Nil(t, r.LookupFile(f.ID()))
}

func TestFile_LastFilePointerTracksWrites(t *testing.T) {
	r := New()
	f := r.Open("/zone/home/a", 0, nil, rclient.Descriptor(1))

	f.Mu.Lock()
	f.SetLastFilePointer(128)
	f.Mu.Unlock()

	f.Mu.Lock()
	defer f.Mu.Unlock()
	assert.EqualValues(t, 128, f.LastFilePointer())
}

func TestRegistry_DirOpenAndClose(t *testing.T) {
	r := New()
	d := r.DirOpen("/zone/home", nil, rclient.CollHandle(1))

	assert.Same(t, d, r.LookupDir(d.ID()))

	r.DirClose(d.ID())

	assert.Nil(t, r.LookupDir(d.ID()))
}

func TestRegistry_OpenFileCount(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.OpenFileCount())

	f := r.Open("/zone/home/a", 0, nil, rclient.Descriptor(1))
	assert.Equal(t, 1, r.OpenFileCount())

	r.Close(f.ID())
	assert.Equal(t, 0, r.OpenFileCount())
}
