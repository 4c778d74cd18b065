// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	pageserver "github.com/dreamsxin/pageserver"
	"github.com/dreamsxin/pageserver/layer"
)

type benchRedo struct{}

func (benchRedo) Redo(_ context.Context, _ layer.Relish, _ uint32, _ uint64, base []byte, records []layer.PageVersion) ([]byte, error) {
	if base != nil {
		return base, nil
	}
	img := make([]byte, layer.PageSize)
	if len(records) > 0 && records[len(records)-1].Image != nil {
		copy(img, records[len(records)-1].Image)
	}
	return img, nil
}

func openBenchRepo(b *testing.B) (*pageserver.Repository, func()) {
	dir, err := os.MkdirTemp("", "pageserver-bench-*")
	require.NoError(b, err)

	repo, err := pageserver.Open(pageserver.OpenOptions{
		Tenant:  pageserver.TenantID(uuid.New()),
		DataDir: dir,
		Redo:    benchRedo{},
	})
	require.NoError(b, err)
	return repo, func() {
		repo.Close()
		os.RemoveAll(dir)
	}
}

func relRelish() layer.Relish {
	return layer.Relish{IsRelation: true, Rel: layer.RelTag{SpcNode: 1, DbNode: 1, RelNode: 1}, Blocky: true}
}

func BenchmarkPageWrite(b *testing.B) {
	sizes := []int{64, 8192}
	for _, size := range sizes {
		b.Run(fmt.Sprintf("recordSize=%d", size), func(b *testing.B) {
			repo, done := openBenchRepo(b)
			defer done()

			tl, err := repo.CreateEmptyTimeline(pageserver.TimelineID(uuid.New()), 0)
			require.NoError(b, err)

			hist := hdrhistogram.New(1, 10_000_000, 3)
			rel := relRelish()
			record := make([]byte, size)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				lsn := uint64(i + 1)
				start := time.Now()
				w := tl.Writer()
				err := w.PutWalRecord(lsn, rel, uint32(i%16), record, i%16 == 0)
				w.Close()
				elapsed := time.Since(start)
				if err != nil {
					b.Fatalf("write error: %v", err)
				}
				_ = hist.RecordValue(elapsed.Microseconds())
			}
			b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-us")
		})
	}
}

func BenchmarkPageRead(b *testing.B) {
	repo, done := openBenchRepo(b)
	defer done()

	tl, err := repo.CreateEmptyTimeline(pageserver.TimelineID(uuid.New()), 0)
	require.NoError(b, err)

	rel := relRelish()
	const numBlocks = 1000
	w := tl.Writer()
	for i := 0; i < numBlocks; i++ {
		img := make([]byte, layer.PageSize)
		require.NoError(b, w.PutPageImage(rel, uint32(i), uint64(i+1), img))
	}
	w.Close()

	hist := hdrhistogram.New(1, 10_000_000, 3)
	ctx := context.Background()
	lastLsn := uint64(numBlocks)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		_, err := tl.GetPageAtLsn(ctx, rel, uint32(i%numBlocks), lastLsn)
		elapsed := time.Since(start)
		if err != nil {
			b.Fatalf("read error: %v", err)
		}
		_ = hist.RecordValue(elapsed.Microseconds())
	}
	b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-us")
}
