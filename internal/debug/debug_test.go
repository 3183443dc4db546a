package debug

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// The core packages (allocator, memdb, pgtable, vgic, psci) each log
// through a fixed set of event sources at their lifecycle boundaries;
// these tests exercise the logger against that actual source set
// rather than a single generic "test" tag.
var coreSources = []string{
	"allocator allocate",
	"memdb insert",
	"pgtable commit",
	"vgic deliver",
	"psci cpu_on",
}

func TestWritefRoundTripsThroughMemoryBuffer(t *testing.T) {
	buf := new(logStructuredBuffer)
	func() {
		Open(buf)
		defer Close()

		Writef("partition alloc", "size=%#x align=%#x -> addr=%#x", 0x100, 0x10, 0x1000)
	}()

	r, err := buf.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	reader, err := NewReader(&r, bytes.NewReader(r))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var gotSource, gotMsg string
	if err := reader.Each(func(ts time.Time, kind DebugKind, source string, data []byte) error {
		gotSource, gotMsg = source, string(data)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if gotSource != "partition alloc" {
		t.Fatalf("source = %q, want %q", gotSource, "partition alloc")
	}
	want := "size=0x100 align=0x10 -> addr=0x1000"
	if gotMsg != want {
		t.Fatalf("message = %q, want %q", gotMsg, want)
	}
}

func TestOpenFilePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hyp.log")
	func() {
		OpenFile(path)
		defer Close()
		WithSource("gicv3 waker").Writef("state=%d -> awake", 2)
	}()

	r, closer, err := NewReaderFromFile(path)
	if err != nil {
		t.Fatalf("NewReaderFromFile: %v", err)
	}
	defer closer.Close()

	var seen []string
	if err := r.Each(func(ts time.Time, kind DebugKind, source string, data []byte) error {
		seen = append(seen, source)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(seen) != 1 || seen[0] != "gicv3 waker" {
		t.Fatalf("seen = %v, want [gicv3 waker]", seen)
	}
}

func TestSearchFiltersBySource(t *testing.T) {
	buf := new(logStructuredBuffer)
	Open(buf)
	defer Close()

	for _, src := range coreSources {
		Write(src, "event")
	}

	r, err := buf.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	reader, err := NewReader(&r, bytes.NewReader(r))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	count, err := reader.Count(SearchOptions{Sources: []string{"vgic deliver"}})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("Count(vgic deliver) = %d, want 1", count)
	}

	var all int
	if err := reader.Search(SearchOptions{}, func(ts time.Time, kind DebugKind, source string, data []byte) error {
		all++
		return nil
	}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if all != len(coreSources) {
		t.Fatalf("Search(all) matched %d entries, want %d", all, len(coreSources))
	}
}

func TestEachSourceOnlyVisitsNamedSource(t *testing.T) {
	buf := new(logStructuredBuffer)
	Open(buf)
	defer Close()

	for i := 0; i < 5; i++ {
		Writef("memdb insert", "range #%d", i)
	}
	Write("psci cpu_on", "mpidr=0")

	r, err := buf.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	reader, err := NewReader(&r, bytes.NewReader(r))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var n int
	if err := reader.EachSource("memdb insert", func(ts time.Time, kind DebugKind, data []byte) error {
		n++
		return nil
	}); err != nil {
		t.Fatalf("EachSource: %v", err)
	}
	if n != 5 {
		t.Fatalf("EachSource(memdb insert) visited %d entries, want 5", n)
	}
}

func TestMessageOrderingPreservedUnderConcurrentWriters(t *testing.T) {
	buf := new(logStructuredBuffer)
	Open(buf)
	defer Close()

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				time.Sleep(time.Millisecond * time.Duration(i))
				Writef("psci cpu_on", "iter=%d", i)
			}
		}()
	}
	wg.Wait()

	r, err := buf.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	reader, err := NewReader(&r, bytes.NewReader(r))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var timestamps []time.Time
	if err := reader.Each(func(ts time.Time, kind DebugKind, source string, data []byte) error {
		timestamps = append(timestamps, ts)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(timestamps) != 40 {
		t.Fatalf("expected 40 timestamps, got %d", len(timestamps))
	}
	for i := range len(timestamps) - 1 {
		if timestamps[i].After(timestamps[i+1]) {
			t.Fatalf("timestamps out of order at %d/%d: %v", i, i+1, timestamps)
		}
	}
}

func BenchmarkWritefPgtableCommit(b *testing.B) {
	buf := new(logStructuredBuffer)
	Open(buf)
	defer Close()

	for b.Loop() {
		Writef("pgtable commit", "virt=%#x phys=%#x size=%#x", 0x4000, 0x8000, 0x1000)
	}
}

func BenchmarkSearchAllSources(b *testing.B) {
	buf := new(logStructuredBuffer)
	func() {
		Open(buf)
		defer Close()
		for range 10 {
			for _, src := range coreSources {
				Write(src, "event")
			}
		}
	}()

	for b.Loop() {
		r, err := buf.Compile()
		if err != nil {
			b.Fatalf("Compile: %v", err)
		}
		reader, err := NewReader(&r, nil)
		if err != nil {
			b.Fatalf("NewReader: %v", err)
		}
		if err := reader.Search(SearchOptions{}, func(ts time.Time, kind DebugKind, source string, data []byte) error {
			return nil
		}); err != nil {
			b.Fatalf("Search: %v", err)
		}
	}
}
