package heapprofd

import (
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tracedaemon/traced/internal/fifo"
)

func TestBookkeeperAggregatesAllocAndFree(t *testing.T) {
	q := fifo.NewBoundedQueue[BookkeepingRecord](16)
	b := newBookkeeper(q, zerolog.Nop())
	go b.run()
	defer q.Close()

	q.Push(BookkeepingRecord{ResolvedAlloc: &ResolvedAlloc{
		Pid: 1, Address: 0x1000, Size: 64, PCs: []uintptr{0xAAA, 0xBBB},
	}})
	q.Push(BookkeepingRecord{ResolvedAlloc: &ResolvedAlloc{
		Pid: 1, Address: 0x2000, Size: 32, PCs: []uintptr{0xAAA, 0xBBB},
	}})

	// A dump round-trip orders after both allocs, since the bookkeeping
	// queue is FIFO within this single producer.
	done := make(chan struct{})
	q.Push(BookkeepingRecord{Dump: &DumpRequest{Path: os.DevNull, Done: done}})
	<-done

	var found bool
	for _, total := range b.Totals() {
		if total.LiveCount == 2 {
			found = true
			require.Equal(t, int64(96), total.LiveBytes)
		}
	}
	require.True(t, found)
}

func TestBookkeeperFreeReducesLiveTotals(t *testing.T) {
	q := fifo.NewBoundedQueue[BookkeepingRecord](16)
	b := newBookkeeper(q, zerolog.Nop())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); b.run() }()

	q.Push(BookkeepingRecord{ResolvedAlloc: &ResolvedAlloc{Pid: 1, Address: 0x1000, Size: 64, PCs: []uintptr{0xAAA}}})
	dump1 := make(chan struct{})
	q.Push(BookkeepingRecord{Dump: &DumpRequest{Path: os.DevNull, Done: dump1}})
	<-dump1

	q.Push(BookkeepingRecord{Free: &FreeRecord{Pid: 1, Address: 0x1000}})
	dump2 := make(chan struct{})
	q.Push(BookkeepingRecord{Dump: &DumpRequest{Path: os.DevNull, Done: dump2}})
	<-dump2

	var found bool
	for _, total := range b.Totals() {
		if total.AllocCount == 1 {
			found = true
			require.Equal(t, int64(0), total.LiveBytes)
			require.Equal(t, int64(0), total.LiveCount)
			require.Equal(t, uint64(1), total.FreedCount)
		}
	}
	require.True(t, found)

	q.Close()
	wg.Wait()
}

func TestBookkeeperRequestDumpCoalescesConcurrentCalls(t *testing.T) {
	q := fifo.NewBoundedQueue[BookkeepingRecord](16)
	b := newBookkeeper(q, zerolog.Nop())
	go b.run()
	defer q.Close()

	dir := t.TempDir()
	path := dir + "/dump"

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.RequestDump(path)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	_, err := os.Stat(path)
	require.NoError(t, err)
}
