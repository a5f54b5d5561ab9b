package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(fmt.Errorf("serve: %w", context.Canceled)))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestHandlePanic(t *testing.T) {
	defer resetMocks()

	t.Run("writes the panic log and exits", func(t *testing.T) {
		var written string
		var code int
		osWriteFile = func(name string, data []byte, _ os.FileMode) error {
			assert.Equal(t, panicLogFile, name)
			written = string(data)
			return nil
		}
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("selector exploded")
		}()

		require.NotEmpty(t, written)
		assert.Contains(t, written, "panic: selector exploded")
		assert.Contains(t, written, "goroutine", "stack trace should be included")
		assert.Equal(t, 2, code)
	})

	t.Run("still exits when the log cannot be written", func(t *testing.T) {
		var code int
		osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only filesystem") }
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("again")
		}()
		assert.Equal(t, 2, code)
	})

	t.Run("does nothing without a panic", func(t *testing.T) {
		called := false
		osExit = func(int) { called = true }
		func() {
			defer handlePanic()
		}()
		assert.False(t, called)
	})
}
