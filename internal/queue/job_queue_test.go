package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

func job(district string, priority int) types.BatchJob {
	return types.BatchJob{DistrictID: district, TargetPeriod: "2024-10", Priority: priority}
}

func drain(q *JobQueue) []string {
	var order []string
	for {
		j, ok := q.DequeueNext()
		if !ok {
			return order
		}
		order = append(order, j.DistrictID)
	}
}

func TestNew(t *testing.T) {
	q := New()
	assert.Equal(t, 0, q.Size())

	_, ok := q.DequeueNext()
	assert.False(t, ok)
}

func TestSeed_PriorityDescendingStable(t *testing.T) {
	q := New()
	q.Seed([]types.BatchJob{
		job("33", 5),
		job("42", 10),
		job("12", 10),
		job("7", 1),
		job("8", 5),
	})

	assert.Equal(t, 5, q.Size())
	assert.Equal(t, []string{"42", "12", "33", "8", "7"}, drain(q))
	assert.Equal(t, 0, q.Size())
}

func TestSeed_DoesNotAliasInput(t *testing.T) {
	input := []types.BatchJob{job("1", 1), job("2", 2)}
	q := New()
	q.Seed(input)

	input[0].DistrictID = "mutated"
	assert.Equal(t, []string{"2", "1"}, drain(q))
	assert.Equal(t, "mutated", input[0].DistrictID, "input order must be untouched")
}

func TestSeed_ReplacesContents(t *testing.T) {
	q := New()
	q.Seed([]types.BatchJob{job("1", 1), job("2", 2)})
	q.Seed([]types.BatchJob{job("3", 3)})

	assert.Equal(t, []string{"3"}, drain(q))
}

func TestClear(t *testing.T) {
	q := New()
	q.Seed([]types.BatchJob{job("1", 1), job("2", 2), job("3", 3)})

	_, ok := q.DequeueNext()
	require.True(t, ok)

	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 0, q.Clear())
}

func TestSnapshot(t *testing.T) {
	q := New()
	q.Seed([]types.BatchJob{job("a", 1), job("b", 3), job("c", 2)})

	snap := q.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "b", snap[0].DistrictID)
	assert.Equal(t, "c", snap[1].DistrictID)
	assert.Equal(t, "a", snap[2].DistrictID)
	assert.Equal(t, 3, q.Size(), "snapshot must not consume")
}

func TestConcurrentDequeue(t *testing.T) {
	const n = 200
	jobs := make([]types.BatchJob, n)
	for i := range jobs {
		jobs[i] = job(fmt.Sprintf("d%d", i), i%7)
	}
	q := New()
	q.Seed(jobs)

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok := q.DequeueNext()
				if !ok {
					return
				}
				mu.Lock()
				seen[j.DistrictID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n, "every job dequeued exactly once")
}
