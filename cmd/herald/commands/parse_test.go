package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	testCases := []struct {
		name     string
		args     []string
		expected string
	}{
		{
			name:     "publish with ref",
			args:     []string{"parse", "--bot", "herald", "@herald /publish https://github.com/ucb/lib.git v1.0.0"},
			expected: "publish\n  source: https://github.com/ucb/lib.git\n  ref:    v1.0.0\n",
		},
		{
			name:     "publish without ref",
			args:     []string{"parse", "--bot", "herald", "@herald", "/publish", "https://github.com/ucb/lib.git"},
			expected: "publish\n  source: https://github.com/ucb/lib.git\n",
		},
		{
			name:     "no mention",
			args:     []string{"parse", "--bot", "herald", "looks good to me"},
			expected: "no command\n",
		},
		{
			name:     "other bot",
			args:     []string{"parse", "--bot", "my-bot", "@herald /publish https://github.com/ucb/lib.git"},
			expected: "no command\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, _, err := execute(t, tc.args...)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, out)
		})
	}
}

func TestParseCommand_Malformed(t *testing.T) {
	_, errOut, err := execute(t, "parse", "--bot", "herald", "@herald /unpublish ucb/lib")
	require.Error(t, err)
	assert.Equal(t, "malformed command", err.Error())
	assert.Contains(t, errOut, "Use: @herald /publish <source-url> [<ref>]")
}

func TestParseCommand_BotFromEnv(t *testing.T) {
	t.Setenv("HERALD_BOT_NAME", "registry-bot")

	out, _, err := execute(t, "parse", "@registry-bot /publish https://example.com/x.git")
	require.NoError(t, err)
	assert.Equal(t, "publish\n  source: https://example.com/x.git\n", out)
}
