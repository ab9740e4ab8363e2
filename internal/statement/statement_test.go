package statement

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/perago/internal/models"
)

// waitForState blocks until the watcher has applied the transition.
func waitForState(t *testing.T, s *Statement, want models.StatementState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == want
	}, 2*time.Second, time.Millisecond)
}

func TestStatement_StartsRunning(t *testing.T) {
	s := New(0, "1 + 1", NewPendingResult())

	require.Equal(t, 0, s.ID())
	require.Equal(t, "1 + 1", s.Code())
	require.Equal(t, models.StatementStateRunning, s.State())
	require.False(t, s.Settled())
}

func TestStatement_AvailableAfterSuccess(t *testing.T) {
	pending := NewPendingResult()
	s := New(1, "1 + 1", pending)

	pending.Complete(models.NewOKOutput(1, "2"))
	waitForState(t, s, models.StatementStateAvailable)

	// Result detail lives on the handle, not the tracker.
	out, err := s.Pending().Outcome()
	require.NoError(t, err)
	require.Equal(t, "2", out.Text())
}

func TestStatement_ErrorAfterFailure(t *testing.T) {
	pending := NewPendingResult()
	s := New(2, "1 / 0", pending)

	pending.Fail(errors.New("division by zero"))
	waitForState(t, s, models.StatementStateError)

	out, err := s.Pending().Outcome()
	require.Nil(t, out)
	require.EqualError(t, err, "division by zero")
}

func TestStatement_IndependentSettlement(t *testing.T) {
	cases := []struct {
		name        string
		firstSecond bool
	}{
		{name: "in submission order", firstSecond: true},
		{name: "in reverse order", firstSecond: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			firstPending := NewPendingResult()
			secondPending := NewPendingResult()
			first := New(0, "ok()", firstPending)
			second := New(1, "boom()", secondPending)

			if tc.firstSecond {
				firstPending.Complete(models.NewOKOutput(1, "done"))
				waitForState(t, first, models.StatementStateAvailable)
				require.Equal(t, models.StatementStateRunning, second.State())

				secondPending.Fail(errors.New("boom"))
				waitForState(t, second, models.StatementStateError)
			} else {
				secondPending.Fail(errors.New("boom"))
				waitForState(t, second, models.StatementStateError)
				require.Equal(t, models.StatementStateRunning, first.State())

				firstPending.Complete(models.NewOKOutput(1, "done"))
				waitForState(t, first, models.StatementStateAvailable)
			}

			// Each statement reflects only its own handle.
			require.Equal(t, models.StatementStateAvailable, first.State())
			require.Equal(t, models.StatementStateError, second.State())
		})
	}
}

func TestStatement_TransitionIsPermanent(t *testing.T) {
	pending := NewPendingResult()
	s := New(3, "select 1", pending)

	pending.Complete(models.NewOKOutput(1, "1"))
	waitForState(t, s, models.StatementStateAvailable)

	// Later settlement attempts are no-ops.
	pending.Fail(errors.New("too late"))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, models.StatementStateAvailable, s.State())

	out, err := pending.Outcome()
	require.NoError(t, err)
	require.Equal(t, "1", out.Text())
}

func TestStatement_PreSettledHandle(t *testing.T) {
	pending := NewPendingResult()
	pending.Complete(models.NewOKOutput(1, "cached"))

	s := New(4, "select 2", pending)
	waitForState(t, s, models.StatementStateAvailable)
}

func TestStatement_ConcurrentStateReads(t *testing.T) {
	pending := NewPendingResult()
	s := New(5, "spin()", pending)

	var running, terminal, invalid int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				switch s.State() {
				case models.StatementStateRunning:
					atomic.AddInt32(&running, 1)
				case models.StatementStateAvailable, models.StatementStateError:
					atomic.AddInt32(&terminal, 1)
				default:
					atomic.AddInt32(&invalid, 1)
				}
			}
		}()
	}

	pending.Complete(models.NewOKOutput(1, "ok"))
	wg.Wait()

	require.Zero(t, atomic.LoadInt32(&invalid))
	waitForState(t, s, models.StatementStateAvailable)
}

func TestStatement_View(t *testing.T) {
	pending := NewPendingResult()
	s := New(7, "print(1)", pending)

	view := s.View()
	require.Equal(t, 7, view.ID)
	require.Equal(t, models.StatementStateRunning, view.State)
	require.Nil(t, view.Output)

	pending.Complete(models.NewOKOutput(1, "1"))
	waitForState(t, s, models.StatementStateAvailable)
	require.Equal(t, models.StatementStateAvailable, s.View().State)
}

func TestStatement_ManySettleConcurrently(t *testing.T) {
	const n = 50

	statements := make([]*Statement, n)
	pendings := make([]*PendingResult, n)
	for i := 0; i < n; i++ {
		pendings[i] = NewPendingResult()
		statements[i] = New(i, fmt.Sprintf("stmt %d", i), pendings[i])
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				pendings[i].Complete(models.NewOKOutput(i, "ok"))
			} else {
				pendings[i].Fail(errors.New("odd one out"))
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		want := models.StatementStateAvailable
		if i%2 != 0 {
			want = models.StatementStateError
		}
		waitForState(t, statements[i], want)
	}
}
