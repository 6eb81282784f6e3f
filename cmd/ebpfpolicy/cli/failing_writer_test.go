package cli_test

import (
	"errors"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ebpfpolicy/cmd/ebpfpolicy/cli"
)

// failingWriter is an io.Writer that succeeds for the first N bytes, then
// fails with a chosen error. It can also simulate short writes with nil
// error.
type failingWriter struct {
	// budget is how many bytes may be successfully written before we fail.
	budget int

	// failErr is returned once the budget is exhausted.
	failErr error

	// short, if set, reports a one byte write with nil error.
	short bool
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.short {
		if len(p) == 0 {
			return 0, nil
		}
		return 1, nil
	}
	if len(p) <= w.budget {
		w.budget -= len(p)
		return len(p), nil
	}
	n := w.budget
	w.budget = 0
	return n, w.failErr
}

var _ io.Writer = (*failingWriter)(nil)

func TestPrintOut_PropagatesWriteErrors(t *testing.T) {
	c := cli.CLI{Out: &failingWriter{budget: 3, failErr: syscall.ENOSPC}}
	err := c.PrintOut("hello")
	require.Error(t, err)
	require.True(t, errors.Is(err, syscall.ENOSPC))
}

func TestPrintOut_DetectsShortWrites(t *testing.T) {
	c := cli.CLI{Out: &failingWriter{short: true}}
	err := c.PrintOut("hello")
	require.ErrorIs(t, err, io.ErrShortWrite)
}

func TestPrintOut_WithinBudget(t *testing.T) {
	c := cli.CLI{Out: &failingWriter{budget: 5, failErr: syscall.ENOSPC}}
	require.NoError(t, c.PrintOut("hello"))
}
