package interpreter

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDirective(t *testing.T) {
	line, err := EncodeDirective(Exec("print(1)"))
	require.NoError(t, err)

	s := string(line)
	require.True(t, strings.HasPrefix(s, directivePrefix))
	require.True(t, strings.HasSuffix(s, "\n"))

	var d Directive
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSuffix(s, "\n"), directivePrefix)), &d))
	assert.Equal(t, OpExec, d.Op)
	assert.Equal(t, "print(1)", d.Code)
}

func TestEncodeDirectiveSingleLine(t *testing.T) {
	// Code with newlines must still encode as exactly one input line.
	line, err := EncodeDirective(Exec("a = 1\nb = 2\nprint(a + b)"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(line), "\n"))
}

func TestDecodeMessageChannels(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		channel Channel
		check   func(t *testing.T, msg *Message)
	}{
		{
			name:    "stdout",
			line:    `{"channel":"stdout","text":"hello\n"}`,
			channel: ChannelStdout,
			check: func(t *testing.T, msg *Message) {
				assert.Equal(t, "hello\n", msg.Text)
			},
		},
		{
			name:    "status idle",
			line:    `{"channel":"status","state":"idle"}`,
			channel: ChannelStatus,
			check: func(t *testing.T, msg *Message) {
				assert.Equal(t, StateIdle, msg.State)
			},
		},
		{
			name:    "execute reply error",
			line:    `{"channel":"execute_reply","status":"error"}`,
			channel: ChannelExecuteReply,
			check: func(t *testing.T, msg *Message) {
				assert.Equal(t, ReplyError, msg.Status)
			},
		},
		{
			name:    "error with traceback",
			line:    `{"channel":"error","ename":"ValueError","evalue":"bad","traceback":["line 1","line 2"]}`,
			channel: ChannelError,
			check: func(t *testing.T, msg *Message) {
				assert.Equal(t, "line 1\nline 2", msg.ErrorText())
			},
		},
		{
			name:    "variables",
			line:    `{"channel":"variables","variables":[{"name":"x","type":"int"}]}`,
			channel: ChannelVariables,
			check: func(t *testing.T, msg *Message) {
				require.Len(t, msg.Variables, 1)
				assert.Equal(t, "x", msg.Variables[0].Name)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := DecodeMessage([]byte(tt.line))
			require.NotNil(t, msg)
			assert.Equal(t, tt.channel, msg.Channel)
			tt.check(t, msg)
		})
	}
}

func TestDecodeMessageInvalidJSONFallsBackToStdout(t *testing.T) {
	msg := DecodeMessage([]byte("not json at all"))
	require.NotNil(t, msg)
	assert.Equal(t, ChannelStdout, msg.Channel)
	assert.Equal(t, "not json at all\n", msg.Text)
}

func TestDecodeMessageEmptyLine(t *testing.T) {
	assert.Nil(t, DecodeMessage([]byte("")))
	assert.Nil(t, DecodeMessage([]byte("\r\n")))
}

func TestDecodeMessageLogSentinel(t *testing.T) {
	msg := DecodeMessage([]byte(`{"channel":"stdout","text":"[CES-LOG]info|myext|loaded ok\n"}`))
	require.NotNil(t, msg)
	require.Equal(t, ChannelLog, msg.Channel)
	require.NotNil(t, msg.Log)
	assert.Equal(t, "info", msg.Log.Level)
	assert.Equal(t, "myext", msg.Log.Tag)
	assert.Equal(t, "loaded ok", msg.Log.Text)
}

func TestDecodeMessageMalformedSentinelStaysStdout(t *testing.T) {
	msg := DecodeMessage([]byte(`{"channel":"stdout","text":"[CES-LOG]no pipes here\n"}`))
	require.NotNil(t, msg)
	assert.Equal(t, ChannelStdout, msg.Channel)
}

func TestErrorTextWithoutTraceback(t *testing.T) {
	msg := &Message{Channel: ChannelError, ErrName: "KeyError", ErrValue: "'x'"}
	assert.Equal(t, "KeyError: 'x'", msg.ErrorText())
}
