package encfs

import (
	"runtime"
	"sync"
)

// ParallelParams configures the optional bulk block worker pool (C11),
// used by File.Read and File.Write when a single call spans many
// independent blocks (multi-block decode on read, block-aligned
// full-block encode on write). It has no on-disk representation.
type ParallelParams struct {
	// MinBlocksForParallel is the smallest block count that triggers the
	// worker pool; smaller jobs run sequentially on the calling
	// goroutine, since pool setup cost dominates for a handful of blocks.
	MinBlocksForParallel int
	// MaxWorkers bounds the number of goroutines the pool spawns.
	MaxWorkers int
}

// DefaultParallelParams returns the default pool sizing: four blocks
// before parallelizing, one worker per CPU.
func DefaultParallelParams() ParallelParams {
	return ParallelParams{
		MinBlocksForParallel: 4,
		MaxWorkers:           runtime.NumCPU(),
	}
}

// blockJob describes one block transform: fn is given the block index
// and must return the transformed bytes for that block or an error.
type blockJob struct {
	index int
	fn    func(index int) ([]byte, error)
}

// runBlockJobs runs n independent block jobs (built from makeJob) either
// sequentially or across a bounded worker pool, depending on params and n,
// and returns their results in index order. Per-job errors are collected
// and the lowest-indexed one is returned; a panic in a worker is recovered
// and reported as an error for that job rather than crashing the pool.
func runBlockJobs(params ParallelParams, n int, makeJob func(index int) func(int) ([]byte, error)) ([][]byte, error) {
	results := make([][]byte, n)
	if n == 0 {
		return results, nil
	}

	if n < params.MinBlocksForParallel || params.MaxWorkers <= 1 {
		for i := 0; i < n; i++ {
			out, err := runJobSafely(makeJob(i), i)
			if err != nil {
				return nil, err
			}
			results[i] = out
		}
		return results, nil
	}

	jobs := make(chan blockJob, n)
	for i := 0; i < n; i++ {
		jobs <- blockJob{index: i, fn: makeJob(i)}
	}
	close(jobs)

	workers := params.MaxWorkers
	if workers > n {
		workers = n
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				out, err := runJobSafely(job.fn, job.index)
				if err != nil {
					errs[job.index] = err
					continue
				}
				results[job.index] = out
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// runJobSafely invokes fn, converting a panic into an error so one bad
// block cannot take down the whole pool.
func runJobSafely(fn func(int) ([]byte, error), index int) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errIllegalState("block job panicked: " + panicMessage(r))
		}
	}()
	return fn(index)
}

func panicMessage(r any) string {
	if e, ok := r.(error); ok {
		return e.Error()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "unknown panic"
}
