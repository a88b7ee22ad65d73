package gcdump

import (
	"github.com/stretchr/testify/require"
	"os"
	"testing"
)

func newSnapshot(cycle uint64) *Snapshot {
	return &Snapshot{
		Cycle:  cycle,
		Reason: "destination region not filled",
		Spaces: []SpaceSnapshot{
			{Name: "old", Bottom: 64, Top: 640, End: 1088, NewTop: 448, DensePrefix: 192},
			{Name: "eden", Bottom: 1088, Top: 1088, End: 1600, NewTop: 1088, DensePrefix: 1088},
		},
		Regions: []RegionSnapshot{
			{Index: 3, Destination: 192, SourceRegion: 3, LiveObjSize: 64, State: "completed", ShadowState: "normal"},
			{Index: 4, Destination: 256, SourceRegion: 4, PartialObjAddr: 250, PartialObjSize: 6,
				LiveObjSize: 32, DestinationCount: 1, State: "available", ShadowState: "shadow"},
		},
	}
}

func Test_write_read(t *testing.T) {
	should := require.New(t)
	os.RemoveAll("/tmp/gcdump")
	dumper, err := New("/tmp/gcdump")
	should.NoError(err)
	seq, err := dumper.Write(newSnapshot(7))
	should.NoError(err)
	should.Equal(uint64(0), seq)
	snapshot, err := dumper.Read(seq)
	should.NoError(err)
	should.Equal(uint64(7), snapshot.Cycle)
	should.Equal("destination region not filled", snapshot.Reason)
	should.Len(snapshot.Spaces, 2)
	should.Equal("eden", snapshot.Spaces[1].Name)
	should.Equal(uint64(448), snapshot.Spaces[0].NewTop)
	should.Len(snapshot.Regions, 2)
	should.Equal(uint64(6), snapshot.Regions[1].PartialObjSize)
	should.Equal("shadow", snapshot.Regions[1].ShadowState)
}

func Test_sequence_continues_after_reopen(t *testing.T) {
	should := require.New(t)
	os.RemoveAll("/tmp/gcdump")
	dumper, err := New("/tmp/gcdump")
	should.NoError(err)
	_, err = dumper.Write(newSnapshot(1))
	should.NoError(err)
	_, err = dumper.Write(newSnapshot(2))
	should.NoError(err)
	dumper, err = New("/tmp/gcdump")
	should.NoError(err)
	seq, err := dumper.Write(newSnapshot(3))
	should.NoError(err)
	should.Equal(uint64(2), seq)
	seqs, err := dumper.List()
	should.NoError(err)
	should.Equal([]uint64{0, 1, 2}, seqs)
}

func Test_remove_older_than(t *testing.T) {
	should := require.New(t)
	os.RemoveAll("/tmp/gcdump")
	dumper, err := New("/tmp/gcdump")
	should.NoError(err)
	for cycle := uint64(1); cycle <= 3; cycle++ {
		_, err = dumper.Write(newSnapshot(cycle))
		should.NoError(err)
	}
	should.NoError(dumper.RemoveOlderThan(2))
	seqs, err := dumper.List()
	should.NoError(err)
	should.Equal([]uint64{2}, seqs)
	snapshot, err := dumper.Read(2)
	should.NoError(err)
	should.Equal(uint64(3), snapshot.Cycle)
	_, err = dumper.Read(0)
	should.Error(err)
}
