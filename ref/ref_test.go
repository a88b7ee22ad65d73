package ref

import (
	"errors"
	"github.com/stretchr/testify/require"
	"github.com/v2pro/plz"
	"testing"
)

func Test_last_close_releases(t *testing.T) {
	should := require.New(t)
	closed := 0
	refCnt := NewReferenceCounted("tables", plz.WrapCloser(func() error {
		closed++
		return nil
	}))
	should.True(refCnt.Acquire())
	should.NoError(refCnt.Close())
	should.Equal(0, closed)
	should.NoError(refCnt.Close())
	should.Equal(1, closed)
	should.NoError(refCnt.Wait())
	should.False(refCnt.Acquire())
	should.NoError(refCnt.Close())
	should.Equal(1, closed)
}

func Test_close_error_is_kept(t *testing.T) {
	should := require.New(t)
	refCnt := NewReferenceCounted("tables", plz.WrapCloser(func() error {
		return errors.New("boom")
	}))
	should.Error(refCnt.Close())
	select {
	case <-refCnt.Released():
	default:
		should.Fail("should be released")
	}
	should.Error(refCnt.Wait())
	should.Equal(uint32(0), refCnt.References())
}
