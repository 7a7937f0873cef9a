package invoker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskvault/taskvault/pkg/turn"
	"github.com/taskvault/taskvault/pkg/types"
)

func TestWriteFramedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "002_demo.md")

	require.NoError(t, WriteFramed(path, "here is the answer\nwith two lines"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.True(t, strings.HasPrefix(content, turn.ResponseHeader+"\n\n"))
	assert.True(t, strings.HasSuffix(content, "\n\n# <User>\n"))

	// A framed response classifies as a backend turn
	cls, err := turn.Classify(dir, "002_demo.md")
	require.NoError(t, err)
	assert.Equal(t, types.TurnBackend, cls)
}

func TestProtocolRoundTrip(t *testing.T) {
	var sb strings.Builder
	EmitProtocol(&sb, Outcome{
		SessionID: "abc-1",
		TurnsUsed: 3,
	})

	res, err := ParseProtocol(strings.NewReader(sb.String()))
	require.NoError(t, err)
	assert.Equal(t, "abc-1", res.SessionID)
	assert.Equal(t, 3, res.TurnsUsed)
	assert.Empty(t, res.ResetToken)
}

func TestProtocolExhausted(t *testing.T) {
	var sb strings.Builder
	EmitProtocol(&sb, Outcome{ResetToken: "+3600"})

	assert.Equal(t, "TOKEN_EXHAUSTED:+3600\n", sb.String())

	res, err := ParseProtocol(strings.NewReader(sb.String()))
	require.NoError(t, err)
	assert.Equal(t, "+3600", res.ResetToken)
}

func TestProtocolIgnoresNoise(t *testing.T) {
	input := "some banner\nSESSION_ID:xyz\nrandom line\nTURNS_USED:notanumber\nTURNS_USED:5\n"
	res, err := ParseProtocol(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, "xyz", res.SessionID)
	assert.Equal(t, 5, res.TurnsUsed)
}

func TestRequestValidate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_demo.md"), []byte("hi\n<User>\n"), 0o644))

	req := Request{TaskDir: dir, InputFile: "001_demo.md", OutputFile: "002_demo.md"}
	assert.NoError(t, req.Validate())

	bad := Request{TaskDir: dir, InputFile: "../escape.md", OutputFile: "002_demo.md"}
	assert.Error(t, bad.Validate())

	missing := Request{TaskDir: dir, InputFile: "nope.md", OutputFile: "002_demo.md"}
	assert.Error(t, missing.Validate())

	empty := Request{TaskDir: "", InputFile: "a.md", OutputFile: "b.md"}
	assert.Error(t, empty.Validate())
}

func TestReadPrompt(t *testing.T) {
	dir := t.TempDir()
	content := "<!-- CLAUDE-RESPONSE -->\n\nprior answer\n\nnew question\n<User>\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_demo.md"), []byte(content), 0o644))

	req := Request{TaskDir: dir, InputFile: "002_demo.md", OutputFile: "003_demo.md"}
	prompt, err := req.ReadPrompt()
	require.NoError(t, err)
	assert.Equal(t, "prior answer\n\nnew question", prompt)

	// An input that strips down to nothing is rejected
	require.NoError(t, os.WriteFile(filepath.Join(dir, "004_demo.md"), []byte("<User>\n"), 0o644))
	req.InputFile = "004_demo.md"
	_, err = req.ReadPrompt()
	assert.Error(t, err)
}

func TestStderrLogPath(t *testing.T) {
	req := Request{
		TaskDir:    "/vault/demo",
		InputFile:  "001_demo.md",
		OutputFile: "002_demo.md",
		StateDir:   "/state",
	}
	assert.Equal(t, "/state/logs/demo_002_demo.log", req.StderrLogPath())
}
