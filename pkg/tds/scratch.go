package tds

import (
	"github.com/ha1tch/tdsio/pkg/errors"
)

// scratch holds the fixed-size byte arrays a Reader or Writer uses to stage
// scalar values. Each size class has exactly one array; a get for the same
// size returns the same slice, so a value must be consumed before the next
// one of that size is staged. Not safe for concurrent use.
type scratch struct {
	b2  [2]byte
	b4  [4]byte
	b8  [8]byte
	b17 [17]byte // sign byte + 16-byte decimal magnitude
}

func (s *scratch) two() []byte       { return s.b2[:] }
func (s *scratch) four() []byte      { return s.b4[:] }
func (s *scratch) eight() []byte     { return s.b8[:] }
func (s *scratch) seventeen() []byte { return s.b17[:] }

// get returns the array for size. Sizes other than 2, 4, 8 and 17 are
// rejected.
func (s *scratch) get(size int) ([]byte, error) {
	switch size {
	case 2:
		return s.two(), nil
	case 4:
		return s.four(), nil
	case 8:
		return s.eight(), nil
	case 17:
		return s.seventeen(), nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "no scratch buffer of size %d", size).
			WithOp("scratch.get").
			WithField("size", size).
			Err()
	}
}

// release zeroes the arrays so that no value outlives its owner.
func (s *scratch) release() {
	*s = scratch{}
}
