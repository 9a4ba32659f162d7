package tds

import (
	"context"
	"math/big"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"

	"github.com/ha1tch/tdsio/pkg/errors"
)

// MaxDecimalPrecision is the largest precision of a DECIMAL/NUMERIC value.
const MaxDecimalPrecision = 38

// DecimalMagnitudeSize returns the number of magnitude bytes a decimal of
// the given precision occupies on the wire.
func DecimalMagnitudeSize(precision uint8) int {
	switch {
	case precision <= 9:
		return 4
	case precision <= 19:
		return 8
	case precision <= 28:
		return 12
	default:
		return 16
	}
}

func checkDecimalType(op string, precision, scale uint8) error {
	if precision < 1 || precision > MaxDecimalPrecision {
		return errors.Newf(errors.ErrCodeInvalidArgument, "decimal precision %d outside [1,%d]", precision, MaxDecimalPrecision).
			WithOp(op).
			Err()
	}
	if scale > precision {
		return errors.Newf(errors.ErrCodeInvalidArgument, "decimal scale %d exceeds precision %d", scale, precision).
			WithOp(op).
			Err()
	}
	return nil
}

var bigTen = big.NewInt(10)

// WriteDecimal writes d as a sign byte (1 for positive) followed by the
// little-endian magnitude of d scaled by 10^scale. d is rounded to scale
// places; a value with more than precision digits is rejected.
func (w *Writer) WriteDecimal(ctx context.Context, d decimal.Decimal, precision, scale uint8) error {
	const op = "Writer.WriteDecimal"
	if err := checkDecimalType(op, precision, scale); err != nil {
		return err
	}

	mag := d.Abs().Round(int32(scale)).Shift(int32(scale)).BigInt()
	limit := new(big.Int).Exp(bigTen, big.NewInt(int64(precision)), nil)
	if mag.Cmp(limit) >= 0 {
		return errors.Newf(errors.ErrCodeOutOfRange, "%s does not fit decimal(%d,%d)", d.String(), precision, scale).
			WithOp(op).
			Err()
	}

	size := DecimalMagnitudeSize(precision)
	b := w.scratch.seventeen()
	for i := range b {
		b[i] = 0
	}
	if d.Sign() >= 0 || mag.Sign() == 0 {
		b[0] = 1
	}
	be := mag.Bytes()
	for i, c := range be {
		b[len(be)-i] = c
	}
	return w.put(ctx, b[:1+size])
}

// ReadDecimal reads a value written by WriteDecimal with the same precision
// and scale.
func (r *Reader) ReadDecimal(ctx context.Context, precision, scale uint8) (decimal.Decimal, error) {
	const op = "Reader.ReadDecimal"
	if err := checkDecimalType(op, precision, scale); err != nil {
		return decimal.Zero, err
	}

	size := DecimalMagnitudeSize(precision)
	b := r.scratch.seventeen()[:1+size]
	if err := r.readFull(ctx, b); err != nil {
		return decimal.Zero, err
	}

	var be [16]byte
	for i := 0; i < size; i++ {
		be[size-1-i] = b[1+i]
	}
	mag := new(big.Int).SetBytes(be[:size])
	switch b[0] {
	case 0:
		mag.Neg(mag)
	case 1:
	default:
		return decimal.Zero, errors.Newf(errors.ErrCodeInvalidValue, "invalid decimal sign byte 0x%02X", b[0]).
			WithOp(op).
			Err()
	}
	return decimal.NewFromBigInt(mag, -int32(scale)), nil
}

// dateEpoch is day zero of the DATE wire type.
var dateEpoch = civil.Date{Year: 1, Month: 1, Day: 1}

// dateWireSize is the width of the DATE day count.
const dateWireSize = 3

// WriteDate writes d as a 3-byte little-endian count of days since
// 0001-01-01.
func (w *Writer) WriteDate(ctx context.Context, d civil.Date) error {
	if !d.IsValid() || d.Before(dateEpoch) || d.Year > 9999 {
		return errors.Newf(errors.ErrCodeOutOfRange, "date %s outside 0001-01-01..9999-12-31", d.String()).
			WithOp("Writer.WriteDate").
			Err()
	}
	return w.WritePartialInt64(ctx, int64(d.DaysSince(dateEpoch)), dateWireSize)
}

// ReadDate reads a value written by WriteDate.
func (r *Reader) ReadDate(ctx context.Context) (civil.Date, error) {
	var raw [dateWireSize]byte
	if err := r.readFull(ctx, raw[:]); err != nil {
		return civil.Date{}, err
	}
	days := int(raw[0]) | int(raw[1])<<8 | int(raw[2])<<16
	return dateEpoch.AddDays(days), nil
}
