package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sibexico/hexpool/storage"
)

type benchConfig struct {
	Ops        int
	Pages      int
	Workers    int
	WriteRatio float64
	Seed       int64
}

type benchResult struct {
	Ops       uint64
	Writes    uint64
	Exhausted uint64
	Elapsed   time.Duration
}

func (r benchResult) Print(out io.Writer) {
	rate := 0.0
	if r.Elapsed > 0 {
		rate = float64(r.Ops) / r.Elapsed.Seconds()
	}
	fmt.Fprintf(out, "ops=%d writes=%d exhausted=%d elapsed=%s throughput=%.0f ops/s\n",
		r.Ops, r.Writes, r.Exhausted, r.Elapsed.Round(time.Millisecond), rate)
}

// runBenchmark creates cfg.Pages pages stamped with their own id and then
// has cfg.Workers goroutines fetch them with a zipf skew, checking the stamp
// on every read.
func runBenchmark(ctx context.Context, bpm *storage.BufferPoolManager, cfg benchConfig) (benchResult, error) {
	if cfg.Pages < 2 || cfg.Workers <= 0 || cfg.Ops <= 0 {
		return benchResult{}, fmt.Errorf("benchmark needs at least 2 pages, 1 worker and 1 op")
	}

	pageIDs := make([]storage.PageID, cfg.Pages)
	for i := range pageIDs {
		guard, err := bpm.NewPageGuarded()
		if err != nil {
			return benchResult{}, fmt.Errorf("setup: %w", err)
		}
		binary.LittleEndian.PutUint32(guard.GetDataMut(), uint32(guard.PageID()))
		pageIDs[i] = guard.PageID()
		if err := guard.Drop(); err != nil {
			return benchResult{}, err
		}
	}

	var ops, writes, exhausted atomic.Uint64
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		seed := cfg.Seed + int64(w)
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			zipf := rand.NewZipf(r, 1.1, 1, uint64(len(pageIDs)-1))

			for i := 0; i < cfg.Ops; i++ {
				if i%1024 == 0 && ctx.Err() != nil {
					return nil
				}
				pageID := pageIDs[zipf.Uint64()]

				if r.Float64() < cfg.WriteRatio {
					guard, err := bpm.FetchPageWrite(pageID)
					if storage.IsErrorCode(err, storage.ErrCodePoolExhausted) {
						exhausted.Add(1)
						continue
					}
					if err != nil {
						return err
					}
					data := guard.GetDataMut()
					binary.LittleEndian.PutUint64(data[4:], binary.LittleEndian.Uint64(data[4:])+1)
					if err := guard.Drop(); err != nil {
						return err
					}
					writes.Add(1)
				} else {
					guard, err := bpm.FetchPageRead(pageID)
					if storage.IsErrorCode(err, storage.ErrCodePoolExhausted) {
						exhausted.Add(1)
						continue
					}
					if err != nil {
						return err
					}
					stamp := storage.PageID(binary.LittleEndian.Uint32(guard.GetData()))
					if err := guard.Drop(); err != nil {
						return err
					}
					if stamp != pageID {
						return fmt.Errorf("page %d holds the bytes of page %d", pageID, stamp)
					}
				}
				ops.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	return benchResult{
		Ops:       ops.Load(),
		Writes:    writes.Load(),
		Exhausted: exhausted.Load(),
		Elapsed:   time.Since(start),
	}, err
}
