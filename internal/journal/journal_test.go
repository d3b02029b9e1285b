package journal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"etw_consumer/internal/etw/record"
)

func testRecord(i int) *record.EventRecord {
	header := record.EventHeader{
		ProcessID:       uint32(1000 + i),
		ThreadID:        uint32(i),
		TimeStamp:       int64(i) * 10_000,
		EventDescriptor: record.EventDescriptor{ID: uint16(i), Keyword: uint64(i)},
	}
	items := []record.ExtendedDataItem{{Type: record.EVENT_HEADER_EXT_TYPE_PROCESS_START_KEY, Data: []byte{byte(i), 0, 0, 0, 0, 0, 0, 0}}}
	return record.NewOwned(header, record.BufferContext{ProcessorNumber: uint8(i % 4)}, items, []byte(fmt.Sprintf("payload-%d", i)))
}

type snapshot struct {
	Header  record.EventHeader
	Context record.BufferContext
	Items   []record.ExtendedDataItem
	Data    []byte
}

func snap(ev *record.EventRecord) snapshot {
	s := snapshot{Header: ev.Header(), Context: ev.BufferContext(), Data: ev.UserData()}
	for item := range ev.ExtendedData() {
		s.Items = append(s.Items, item)
	}
	return s
}

func TestAppendAndReplay(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			j, err := Open(t.TempDir(), Options{Compress: compress})
			if err != nil {
				t.Fatal(err)
			}
			defer j.Close()

			var want []snapshot
			for i := 1; i <= 50; i++ {
				seq, err := j.Append(testRecord(i))
				if err != nil {
					t.Fatal(err)
				}
				if seq != uint64(i) {
					t.Errorf("seq = %d, want %d", seq, i)
				}
				want = append(want, snap(testRecord(i)))
			}
			if j.Len() != 50 {
				t.Errorf("Len() = %d", j.Len())
			}

			var got []snapshot
			for ev, err := range j.Records() {
				if err != nil {
					t.Fatal(err)
				}
				if ev.IsTransient() {
					t.Error("journal yielded a transient record")
				}
				got = append(got, snap(ev))
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("replayed records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, Options{Compress: true, Sync: true})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := j.Append(testRecord(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.SetSource("session etw_consumer"); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	// Mixed compressed and plain values read back in order.
	j, err = Open(dir, Options{Compress: false})
	if err != nil {
		t.Fatal(err)
	}
	seq, err := j.Append(testRecord(4))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 4 || j.Len() != 4 {
		t.Errorf("seq = %d, Len() = %d", seq, j.Len())
	}
	src, err := j.Source()
	if err != nil || src != "session etw_consumer" {
		t.Errorf("Source() = %q, %v", src, err)
	}

	var pids []uint32
	n, err := j.Replay(func(ev *record.EventRecord) bool {
		pids = append(pids, ev.Header().ProcessID)
		return true
	})
	if err != nil || n != 4 {
		t.Fatalf("Replay = %d, %v", n, err)
	}
	if diff := cmp.Diff([]uint32{1001, 1002, 1003, 1004}, pids); diff != "" {
		t.Errorf("replay order mismatch (-want +got):\n%s", diff)
	}
	j.Close()
}

func TestReplayStops(t *testing.T) {
	j, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	for i := 1; i <= 10; i++ {
		if _, err := j.Append(testRecord(i)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := j.Replay(func(ev *record.EventRecord) bool {
		return ev.Header().ThreadID < 3
	})
	if err != nil || n != 3 {
		t.Errorf("Replay = %d, %v, want 3", n, err)
	}
}

func TestAppendTransientView(t *testing.T) {
	j, err := Open(t.TempDir(), Options{Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	var b record.RawBuilder
	view := record.NewTransient(b.MustBuild(testRecord(7), 0))
	if _, err := j.Append(view); err != nil {
		t.Fatal(err)
	}
	view.Expire()
	b.Release()
	if _, err := j.Append(view); !errors.Is(err, record.ErrRecordExpired) {
		t.Errorf("Append of an expired view = %v", err)
	}

	for ev, err := range j.Records() {
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(snap(testRecord(7)), snap(ev)); diff != "" {
			t.Errorf("stored record mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestReadOnly(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(testRecord(1)); err != nil {
		t.Fatal(err)
	}
	j.Close()

	ro, err := Open(dir, Options{ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()
	if _, err := ro.Append(testRecord(2)); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Append on read-only journal = %v", err)
	}
	if ro.Len() != 1 {
		t.Errorf("Len() = %d", ro.Len())
	}
}

func TestCompressionMagic(t *testing.T) {
	data, err := testRecord(1).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	packed, err := compressForStorage(data)
	if err != nil {
		t.Fatal(err)
	}
	if string(packed[:len(compressionMagic)]) != compressionMagic {
		t.Fatal("compressed value lacks the magic prefix")
	}
	for _, stored := range [][]byte{packed, data} {
		got, err := decompressFromStorage(stored)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(data, got); diff != "" {
			t.Errorf("decompressed mismatch (-want +got):\n%s", diff)
		}
	}
}
