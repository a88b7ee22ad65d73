package gcdump

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/edsrzf/mmap-go"
	"github.com/esdb/gocodec"
	"github.com/pierrec/lz4"
	"github.com/v2pro/plz"
	"github.com/v2pro/plz/countlog"
	"io"
	"io/ioutil"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const fileSuffix = ".gcdump"

var CorruptedDumpError = errors.New("corrupted gc dump")

type SpaceSnapshot struct {
	Name        string
	Bottom      uint64
	Top         uint64
	End         uint64
	NewTop      uint64
	DensePrefix uint64
	SplitRegion uint64
}

type RegionSnapshot struct {
	Index            uint64
	Destination      uint64
	SourceRegion     uint64
	PartialObjAddr   uint64
	PartialObjSize   uint64
	LiveObjSize      uint64
	DestinationCount uint64
	DeferredObjAddr  uint64
	State            string
	ShadowState      string
}

// Snapshot is the region statistics of one collection cycle
type Snapshot struct {
	Cycle   uint64
	Reason  string
	Spaces  []SpaceSnapshot
	Regions []RegionSnapshot
}

type dumpHeader struct {
	originalSize   uint32
	compressedSize uint32
}

var dumpHeaderSize = calcDumpHeaderSize()

func calcDumpHeaderSize() int {
	stream := gocodec.NewStream(nil)
	return stream.Marshal(dumpHeader{1, 1})
}

// Dumper writes each snapshot to its own numbered file in directory, it is thread safe
type Dumper struct {
	mutex     *sync.Mutex
	directory string
	nextSeq   uint64
}

func New(directory string) (*Dumper, error) {
	err := os.MkdirAll(directory, 0777)
	countlog.TraceCall("callee!os.MkdirAll", err, "directory", directory)
	if err != nil {
		return nil, err
	}
	dumper := &Dumper{mutex: &sync.Mutex{}, directory: directory}
	seqs, err := dumper.List()
	if err != nil {
		return nil, err
	}
	if len(seqs) > 0 {
		dumper.nextSeq = seqs[len(seqs)-1] + 1
	}
	return dumper, nil
}

func (dumper *Dumper) Directory() string {
	return dumper.directory
}

func (dumper *Dumper) filePath(seq uint64) string {
	return path.Join(dumper.directory, strconv.FormatUint(seq, 10)+fileSuffix)
}

// Write returns the sequence number of the new dump
func (dumper *Dumper) Write(snapshot *Snapshot) (uint64, error) {
	stream := gocodec.NewStream(nil)
	stream.Marshal(*snapshot)
	if stream.Error != nil {
		return 0, stream.Error
	}
	original := stream.Buffer()
	var compressed bytes.Buffer
	writer := lz4.NewWriter(&compressed)
	if _, err := writer.Write(original); err != nil {
		return 0, err
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}
	stream.Reset(nil)
	stream.Marshal(dumpHeader{
		originalSize:   uint32(len(original)),
		compressedSize: uint32(compressed.Len()),
	})
	if stream.Error != nil {
		return 0, stream.Error
	}
	header := stream.Buffer()

	dumper.mutex.Lock()
	seq := dumper.nextSeq
	dumper.nextSeq++
	dumper.mutex.Unlock()
	filePath := dumper.filePath(seq)
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	countlog.DebugCall("callee!os.OpenFile", err, "filePath", filePath)
	if err != nil {
		return 0, err
	}
	defer plz.Close(file)
	err = file.Truncate(int64(len(header) + compressed.Len()))
	if err != nil {
		return 0, err
	}
	writeMMap, err := mmap.Map(file, mmap.RDWR, 0)
	countlog.TraceCall("callee!mmap.Map", err)
	if err != nil {
		return 0, fmt.Errorf("map RDWR for dump failed: %s", err.Error())
	}
	copy(writeMMap, header)
	copy(writeMMap[len(header):], compressed.Bytes())
	if err = writeMMap.Flush(); err != nil {
		plz.Close(plz.WrapCloser(writeMMap.Unmap))
		return 0, err
	}
	return seq, writeMMap.Unmap()
}

func (dumper *Dumper) Read(seq uint64) (*Snapshot, error) {
	filePath := dumper.filePath(seq)
	file, err := os.OpenFile(filePath, os.O_RDONLY, 0666)
	countlog.TraceCall("callee!os.OpenFile", err, "filePath", filePath)
	if err != nil {
		return nil, err
	}
	defer plz.Close(file)
	readMMap, err := mmap.Map(file, mmap.RDONLY, 0)
	countlog.TraceCall("callee!mmap.Map", err)
	if err != nil {
		return nil, err
	}
	defer plz.Close(plz.WrapCloser(readMMap.Unmap))
	if len(readMMap) < dumpHeaderSize {
		return nil, CorruptedDumpError
	}
	headerBuf := append([]byte(nil), readMMap[:dumpHeaderSize]...)
	iter := gocodec.NewIterator(headerBuf)
	header, _ := iter.Unmarshal((*dumpHeader)(nil)).(*dumpHeader)
	if iter.Error != nil {
		return nil, iter.Error
	}
	originalSize, compressedSize := header.originalSize, header.compressedSize
	if len(readMMap) < dumpHeaderSize+int(compressedSize) {
		return nil, CorruptedDumpError
	}
	compressed := readMMap[dumpHeaderSize : dumpHeaderSize+int(compressedSize)]
	decompressed := make([]byte, originalSize)
	_, err = io.ReadFull(lz4.NewReader(bytes.NewReader(compressed)), decompressed)
	if err != nil {
		return nil, err
	}
	iter.Reset(decompressed)
	snapshot, _ := iter.Unmarshal((*Snapshot)(nil)).(*Snapshot)
	if iter.Error != nil {
		return nil, iter.Error
	}
	if snapshot == nil {
		return nil, CorruptedDumpError
	}
	return snapshot, nil
}

// List returns the sequence numbers of the dumps in the directory, oldest first
func (dumper *Dumper) List() ([]uint64, error) {
	files, err := ioutil.ReadDir(dumper.directory)
	countlog.TraceCall("callee!ioutil.ReadDir", err)
	if err != nil {
		return nil, err
	}
	var seqs []uint64
	for _, file := range files {
		if !strings.HasSuffix(file.Name(), fileSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(file.Name(), fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool {
		return seqs[i] < seqs[j]
	})
	return seqs, nil
}

// RemoveOlderThan deletes the dumps with a sequence number below untilSeq
func (dumper *Dumper) RemoveOlderThan(untilSeq uint64) error {
	seqs, err := dumper.List()
	if err != nil {
		return err
	}
	var resources []io.Closer
	for _, seq := range seqs {
		if seq >= untilSeq {
			break
		}
		resources = append(resources, wrapFileRemover(dumper.filePath(seq)))
	}
	countlog.Debug("event!gcdump.remove dumps", "count", len(resources), "untilSeq", untilSeq)
	if len(resources) == 0 {
		return nil
	}
	return plz.CloseAll(resources, "untilSeq", untilSeq)
}

func wrapFileRemover(filePath string) io.Closer {
	return plz.WrapCloser(func() error {
		return os.Remove(filePath)
	})
}
