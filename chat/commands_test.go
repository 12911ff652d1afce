package chat

import (
	"slices"
	"testing"
)

func TestExtractCommands(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "bash block",
			text: "Here's a command:\n```bash\ncargo test\ncargo build --release\n```\nDone.",
			want: []string{"cargo test", "cargo build --release"},
		},
		{
			name: "sh with prompt markers",
			text: "Try this:\n```sh\n$ echo hello\n$ ls -la\n```",
			want: []string{"echo hello", "ls -la"},
		},
		{
			name: "comments and blank lines skipped",
			text: "```bash\n# This is a comment\n\necho hello\n```",
			want: []string{"echo hello"},
		},
		{
			name: "non-shell block ignored",
			text: "```python\nprint('hello')\n```\n```bash\necho hi\n```",
			want: []string{"echo hi"},
		},
		{
			name: "info string metadata",
			text: "```bash title=deploy\n./deploy.sh\n```",
			want: []string{"./deploy.sh"},
		},
		{
			name: "uppercase language",
			text: "```BASH\necho hi\n```",
			want: []string{"echo hi"},
		},
		{
			name: "zsh and shell",
			text: "```zsh\npwd\n```\n```shell\nwhoami\n```",
			want: []string{"pwd", "whoami"},
		},
		{
			name: "line continuation",
			text: "```bash\ncurl -H 'Auth: a' \\\n  --data 'x=1' \\\n  https://example.test\n```",
			want: []string{"curl -H 'Auth: a' --data 'x=1' https://example.test"},
		},
		{
			name: "no blocks",
			text: "No code blocks here.",
			want: nil,
		},
		{
			name: "bare block ignored",
			text: "Description:\n```\nThis is just text, not a command.\n```\n```bash\ngit status\n```",
			want: []string{"git status"},
		},
		{
			name: "unterminated block",
			text: "```bash\nmake build",
			want: []string{"make build"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractCommands(tt.text)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ExtractCommands() = %q, want %q", got, tt.want)
			}
		})
	}
}
