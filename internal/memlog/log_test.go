package memlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/flowlog/raft/consensus"
	"github.com/flowlog/raft/internal/memlog"
)

func TestAppendAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log, err := memlog.Open(dir, "g1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	entries := []consensus.LogEntry{
		{Term: 1, Kind: consensus.EntryData, Payload: []byte("one")},
		{Term: 1, Kind: consensus.EntryData, Payload: []byte("two")},
	}
	results, err := log.Append(context.Background(), entries, consensus.FsyncAlways, consensus.IoPriorityNormal, time.Second)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(results) != 2 || results[0].Offset != 1 || results[1].Offset != 2 {
		t.Fatalf("unexpected append results: %+v", results)
	}

	read, err := log.Read(context.Background(), 1, 1<<20)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(read) != 2 || string(read[0].Payload) != "one" || string(read[1].Payload) != "two" {
		t.Fatalf("unexpected read result: %+v", read)
	}
	if log.LastOffset() != 2 {
		t.Fatalf("expected last offset 2, got %d", log.LastOffset())
	}
}

func TestAppendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := memlog.Open(dir, "g1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := log.Append(context.Background(), []consensus.LogEntry{
		{Term: 2, Kind: consensus.EntryData, Payload: []byte("persisted")},
	}, consensus.FsyncAlways, consensus.IoPriorityNormal, time.Second); err != nil {
		t.Fatalf("append: %v", err)
	}

	reopened, err := memlog.Open(dir, "g1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	read, err := reopened.Read(context.Background(), 1, 1<<20)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if len(read) != 1 || string(read[0].Payload) != "persisted" {
		t.Fatalf("expected persisted entry to survive reopen, got %+v", read)
	}
}

func TestTruncateSuffixDropsTailAndPersists(t *testing.T) {
	dir := t.TempDir()
	log, err := memlog.Open(dir, "g1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := log.Append(context.Background(), []consensus.LogEntry{
		{Term: 1, Kind: consensus.EntryData, Payload: []byte("a")},
		{Term: 1, Kind: consensus.EntryData, Payload: []byte("b")},
		{Term: 1, Kind: consensus.EntryData, Payload: []byte("c")},
	}, consensus.FsyncAlways, consensus.IoPriorityNormal, time.Second); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := log.TruncateSuffix(context.Background(), 2); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if log.LastOffset() != 1 {
		t.Fatalf("expected last offset 1 after truncation, got %d", log.LastOffset())
	}

	reopened, err := memlog.Open(dir, "g1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.LastOffset() != 1 {
		t.Fatalf("expected truncation to persist across reopen, got last offset %d", reopened.LastOffset())
	}
}

func TestTermAt(t *testing.T) {
	dir := t.TempDir()
	log, err := memlog.Open(dir, "g1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if term, ok := log.TermAt(0); !ok || term != 0 {
		t.Fatalf("expected offset 0 to resolve to term 0, got %d, %v", term, ok)
	}
	if _, ok := log.TermAt(1); ok {
		t.Fatal("expected TermAt on an empty log to report not-found")
	}

	if _, err := log.Append(context.Background(), []consensus.LogEntry{
		{Term: 7, Kind: consensus.EntryData, Payload: []byte("x")},
	}, consensus.FsyncAlways, consensus.IoPriorityNormal, time.Second); err != nil {
		t.Fatalf("append: %v", err)
	}
	if term, ok := log.TermAt(1); !ok || term != 7 {
		t.Fatalf("expected offset 1 to resolve to term 7, got %d, %v", term, ok)
	}
	if _, ok := log.TermAt(99); ok {
		t.Fatal("expected TermAt on an out-of-range offset to report not-found")
	}
}

func TestReadEmptyLogReturnsNoEntries(t *testing.T) {
	dir := t.TempDir()
	log, err := memlog.Open(dir, "g1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	read, err := log.Read(context.Background(), 1, 1<<20)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(read) != 0 {
		t.Fatalf("expected no entries from an empty log, got %+v", read)
	}
}
