package pipe

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeDeliversLinesInOrderThenEOF(t *testing.T) {
	t.Parallel()

	p := New()
	for i := 0; i < 100; i++ {
		require.NoError(t, p.WriteLine(fmt.Sprintf("line-%d", i)))
	}
	require.NoError(t, p.CloseWrite())

	scanner := bufio.NewScanner(p)
	got := make([]string, 0, 100)
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	require.Len(t, got, 100)
	for i, line := range got {
		assert.Equal(t, fmt.Sprintf("line-%d", i), line)
	}
}

func TestPipeReadBlocksUntilWrite(t *testing.T) {
	t.Parallel()

	p := New()
	result := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(p)
		line, _ := reader.ReadString('\n')
		result <- line
	}()

	select {
	case line := <-result:
		t.Fatalf("read returned before any write: %q", line)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.WriteLine("hello"))
	select {
	case line := <-result:
		assert.Equal(t, "hello\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read")
	}
}

func TestPipeCloseWriteUnblocksPendingRead(t *testing.T) {
	t.Parallel()

	p := New()
	errs := make(chan error, 1)
	go func() {
		_, err := p.Read(make([]byte, 8))
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.CloseWrite())
	require.NoError(t, p.CloseWrite())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("pending read not released by CloseWrite")
	}
}

func TestPipeWriteAfterCloseIsReported(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.CloseWrite())

	err := p.WriteLine("late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, p.Closed())
}

func TestPipeInterruptBreaksReaderAndWriter(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.WriteLine("unread"))
	errs := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(p)
		_, _ = reader.ReadString('\n')
		_, err := reader.ReadString('\n')
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cause := errors.New("killed")
	p.Interrupt(cause)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("pending read not released by Interrupt")
	}
	assert.ErrorIs(t, p.WriteLine("after"), ErrClosed)
}

func TestPipeConcurrentWritersNeverInterleaveLines(t *testing.T) {
	t.Parallel()

	p := New()
	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = p.WriteLine(fmt.Sprintf("writer-%d-%04d-payload", w, i))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, p.CloseWrite())

	lastSeen := map[int]int{}
	scanner := bufio.NewScanner(p)
	count := 0
	for scanner.Scan() {
		var w, i int
		_, err := fmt.Sscanf(scanner.Text(), "writer-%d-%04d-payload", &w, &i)
		require.NoError(t, err, "corrupted line %q", scanner.Text())
		if prev, ok := lastSeen[w]; ok {
			require.Greater(t, i, prev, "writer %d lines out of order", w)
		}
		lastSeen[w] = i
		count++
	}
	assert.Equal(t, writers*perWriter, count)
}
