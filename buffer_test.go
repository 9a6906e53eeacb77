package scopeacq

import (
	"errors"
	"testing"
)

func TestNewBuffer(t *testing.T) {
	var tests = []struct {
		dt    DataType
		size  int
		code  int64
		wrap  int64
	}{
		{Int8, 1, -100, -100},
		{Int16, 2, -32768, -32768},
		{Int32, 4, 1 << 20, 1 << 20},
		{Uint32, 4, 40000, 40000},
		{Int64, 8, -1 << 40, -1 << 40},
		{Int8, 1, 200, -56},
	}
	for _, test := range tests {
		b, err := NewBuffer(test.dt, 10)
		if err != nil {
			t.Fatalf("NewBuffer(%v) failed: %v", test.dt, err)
		}
		if b.DataType() != test.dt || b.Len() != 10 {
			t.Errorf("NewBuffer(%v) has type %v, length %d", test.dt, b.DataType(), b.Len())
		}
		if len(b.Bytes()) != 10*test.size {
			t.Errorf("%v buffer Bytes() length %d, want %d", test.dt, len(b.Bytes()), 10*test.size)
		}
		for i, c := range b.Codes() {
			if c != 0 {
				t.Errorf("%v buffer [%d] = %d before any write, want 0", test.dt, i, c)
			}
		}
		b.SetCode(3, test.code)
		if got := b.Code(3); got != test.wrap {
			t.Errorf("%v buffer stored %d and read back %d, want %d", test.dt, test.code, got, test.wrap)
		}
		b.zero()
		if b.Code(3) != 0 {
			t.Errorf("%v buffer not zeroed", test.dt)
		}
	}
	if _, err := NewBuffer(DataType(9), 10); !errors.Is(err, ErrUnsupportedDataType) {
		t.Errorf("NewBuffer(9) error = %v, want ErrUnsupportedDataType", err)
	}
	if _, err := NewBuffer(Int16, -1); !errors.Is(err, ErrInvalidSamples) {
		t.Errorf("NewBuffer(-1) error = %v, want ErrInvalidSamples", err)
	}
}

func TestBufferBytesShareStorage(t *testing.T) {
	b, _ := NewBuffer(Int16, 2)
	b.SetCode(0, 0x0102)
	raw := b.Bytes()
	if raw[0] != 0x02 || raw[1] != 0x01 {
		t.Errorf("Bytes() = %v, want little-endian 0x0102 first", raw)
	}
	b.SetCode(1, -1)
	if raw[2] != 0xff || raw[3] != 0xff {
		t.Errorf("Bytes() does not alias the buffer: %v", raw)
	}
}

func TestCheckRatio(t *testing.T) {
	var tests = []struct {
		mode  RatioMode
		ratio uint64
		ok    bool
	}{
		{RatioRaw, 1, true},
		{RatioNone, 0, true},
		{RatioRaw, 4, false},
		{RatioAggregate, 4, true},
		{RatioDecimate, 0, false},
		{RatioAverage, 8, true},
		{RatioTrigger, 1, true},
		{RatioMode(0x3), 2, false},
	}
	for _, test := range tests {
		err := CheckRatio(test.mode, test.ratio)
		if (err == nil) != test.ok {
			t.Errorf("CheckRatio(%v, %d) = %v, want ok=%v", test.mode, test.ratio, err, test.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidRatioMode) {
			t.Errorf("CheckRatio(%v, %d) error kind %v", test.mode, test.ratio, err)
		}
	}
}

func TestParseNames(t *testing.T) {
	if m, err := ParseRatioMode("Aggregate"); err != nil || m != RatioAggregate {
		t.Errorf("ParseRatioMode(Aggregate) = %v, %v", m, err)
	}
	if _, err := ParseRatioMode("median"); err == nil {
		t.Error("ParseRatioMode(median) should fail")
	}
	if dt, err := ParseDataType("INT16"); err != nil || dt != Int16 {
		t.Errorf("ParseDataType(INT16) = %v, %v", dt, err)
	}
	if s := (ActionClearAll | ActionAdd).String(); s != "CLEAR_ALL|ADD" {
		t.Errorf("Action String = %q", s)
	}
	if !ActionClearThisDataBuffer.Clears() || ActionAdd.Clears() {
		t.Error("Action.Clears misclassifies")
	}
}
