package printer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr := writers()
	prevNoColor := color.NoColor
	color.NoColor = true
	SetOutput(&out, &errOut)
	t.Cleanup(func() {
		SetOutput(prevOut, prevErr)
		color.NoColor = prevNoColor
	})
	return &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "This is a test error", nil)
		require.Error(t, err)
		assert.Equal(t, "Test Error", err.Error())
		assert.Equal(t, "Test Error\n\nThis is a test error\n", errOut.String())
	})

	t.Run("single suggestion", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{"Try this fix"})
		require.Error(t, err)
		assert.True(t, strings.HasSuffix(errOut.String(), "\nTry this fix\n"))
	})

	t.Run("multiple suggestions", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{"First", "Second"})
		require.Error(t, err)
		assert.Contains(t, errOut.String(), "Either:\n  1. First\n  2. Second\n")
	})
}

func TestErrorWithContext_SortsKeys(t *testing.T) {
	_, errOut := capture(t)
	err := ErrorWithContext("failed to open ledger", "", map[string]string{
		"path":    "herald.db",
		"backend": "sqlite",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, "failed to open ledger\n\n\n  backend: sqlite\n  path: herald.db\n", errOut.String())
}

func TestMessages(t *testing.T) {
	out, _ := capture(t)

	Success("published %s\n", "ucb/lib")
	Warning("slow\n")
	Step("polling\n")
	Info("plain %d\n", 1)

	assert.Equal(t, "✓ published ucb/lib\n⚠️  slow\n→ polling\nplain 1\n", out.String())
}
