package keys

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorEncodeLayout(t *testing.T) {
	ds := UUID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	d := NewEventDescriptor(ds, 0x1122334455667788, 0x0102030405060708, 0xa1a2a3a4a5a6a7a8)

	b := d.Encode()
	require.Len(t, b, DescriptorSize)
	require.Equal(t, ds[:], b[:16])
	require.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}, b[16:24])
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, b[24:32])
	require.Equal(t, []byte{0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7, 0xa8}, b[32:40])

	require.Equal(t, b[:RunDescriptorSize], d.EncodeRun())
	require.Equal(t, b[:SubRunDescriptorSize], d.EncodeSubRun())
}

func TestDescriptorRoundTrip(t *testing.T) {
	ds := NewUUID()
	for _, d := range []ItemDescriptor{
		NewRunDescriptor(ds, 0),
		NewRunDescriptor(ds, 36),
		NewSubRunDescriptor(ds, 36, 42),
		NewEventDescriptor(ds, 36, 42, 13),
		NewEventDescriptor(ds, 0, 0, 0),
	} {
		got, err := DecodeItemDescriptor(d.Encode())
		require.NoError(t, err)
		require.Equal(t, d, got)
	}

	_, err := DecodeItemDescriptor(make([]byte, 39))
	require.Error(t, err)
}

func TestDescriptorLevel(t *testing.T) {
	ds := NewUUID()
	require.Equal(t, LevelDataSet, ItemDescriptor{DataSet: ds, Run: InvalidRunNumber, SubRun: InvalidSubRunNumber, Event: InvalidEventNumber}.Level())
	require.Equal(t, LevelRun, NewRunDescriptor(ds, 1).Level())
	require.Equal(t, LevelSubRun, NewSubRunDescriptor(ds, 1, 2).Level())
	require.Equal(t, LevelEvent, NewEventDescriptor(ds, 1, 2, 3).Level())
}

func TestDescriptorOrdering(t *testing.T) {
	a := UUID{}
	b := UUID{}
	b[15] = 1

	// Ascending per the (level, dataset, run, subrun, event) order.
	ordered := []ItemDescriptor{
		NewRunDescriptor(a, 0),
		NewRunDescriptor(a, 7),
		NewRunDescriptor(b, 3),
		NewSubRunDescriptor(a, 0, 0),
		NewSubRunDescriptor(a, 0, 9),
		NewSubRunDescriptor(a, 1, 0),
		NewEventDescriptor(a, 0, 0, 0),
		NewEventDescriptor(a, 0, 0, 1),
		NewEventDescriptor(a, 0, 1, 0),
		NewEventDescriptor(a, 1, 0, 0),
		NewEventDescriptor(b, 0, 0, 0),
	}
	for i := range ordered {
		for j := range ordered {
			cmp := ordered[i].Compare(ordered[j])
			switch {
			case i < j:
				require.Negative(t, cmp, "expected %v < %v", ordered[i], ordered[j])
			case i > j:
				require.Positive(t, cmp, "expected %v > %v", ordered[i], ordered[j])
			default:
				require.Zero(t, cmp)
			}
		}
	}
}

func TestEncodedOrderMatchesSemanticOrder(t *testing.T) {
	// Within one level, byte-wise comparison of the encodings must agree
	// with Compare. This is what makes list_range return items in order.
	ds1 := UUID{}
	ds2 := UUID{}
	ds2[0] = 1
	events := []ItemDescriptor{
		NewEventDescriptor(ds1, 0, 0, 0),
		NewEventDescriptor(ds1, 0, 0, 255),
		NewEventDescriptor(ds1, 0, 0, 256),
		NewEventDescriptor(ds1, 0, 1, 0),
		NewEventDescriptor(ds1, 2, 0, 0),
		NewEventDescriptor(ds2, 0, 0, 0),
	}
	for i, x := range events {
		for j, y := range events {
			byteCmp := bytes.Compare(x.Encode(), y.Encode())
			semCmp := x.Compare(y)
			require.Equal(t, semCmp, byteCmp, "encode order disagrees at (%d,%d)", i, j)
		}
	}
}

func TestParentPrefix(t *testing.T) {
	ds := NewUUID()
	run := NewRunDescriptor(ds, 5)
	subrun := NewSubRunDescriptor(ds, 5, 6)
	event := NewEventDescriptor(ds, 5, 6, 7)

	require.Equal(t, ds[:], run.ParentPrefix())
	require.Equal(t, run.EncodeRun(), subrun.ParentPrefix())
	require.Equal(t, subrun.EncodeSubRun(), event.ParentPrefix())

	// All siblings share their parent's prefix.
	require.True(t, bytes.HasPrefix(NewEventDescriptor(ds, 5, 6, 900).Encode(), event.ParentPrefix()))
	require.False(t, bytes.HasPrefix(NewEventDescriptor(ds, 5, 7, 7).Encode(), event.ParentPrefix()))
}
