package ws

import (
	"context"
	"testing"
	"time"

	"github.com/Kurogoma4D/claude-code-server/internal/domain/session"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitIncomplete(t *testing.T) {
	euro := []byte("€") // 3 bytes

	tests := []struct {
		name         string
		in           []byte
		wantComplete string
		wantRest     []byte
	}{
		{"empty", nil, "", nil},
		{"ascii", []byte("abc"), "abc", nil},
		{"full rune", append([]byte("a"), euro...), "a€", nil},
		{"one byte of three", append([]byte("a"), euro[0]), "a", euro[:1]},
		{"two bytes of three", append([]byte("a"), euro[:2]...), "a", euro[:2]},
		{"stray continuation", []byte{'a', 0x80}, "a\x80", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, rest := splitIncomplete(tt.in)
			assert.Equal(t, tt.wantComplete, string(complete))
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}

func TestTextDecoderCarriesRunes(t *testing.T) {
	in := []byte("héllo €uro")
	var d textDecoder

	var out string
	for i := range in {
		out += d.decode(in[i : i+1])
	}
	out += d.flush()
	assert.Equal(t, "héllo €uro", out)
}

func TestConnEmitFlushesOnExit(t *testing.T) {
	h := NewHandler(nil).WithLogger(logging.NewNop())
	c := newConn(context.Background(), "conn_test", nil, h)

	euro := []byte("€")
	now := time.Now()
	c.Emit(session.Event{SessionID: "s1", Type: session.EventData, Data: append([]byte("x"), euro[:2]...), Timestamp: now})
	c.Emit(session.Event{SessionID: "s1", Type: session.EventData, Data: euro[2:], Timestamp: now})
	c.Emit(session.Event{SessionID: "s1", Type: session.EventData, Data: euro[:1], Timestamp: now})
	c.Emit(session.Event{SessionID: "s1", Type: session.EventExit, Exit: &session.ExitStatus{Code: 0}, Timestamp: now})

	var frames []outbound
	for len(c.send) > 0 {
		var f struct {
			Event string `json:"event"`
			Data  Output `json:"data"`
		}
		require.NoError(t, frameAPI.Unmarshal(<-c.send, &f))
		frames = append(frames, outbound{Event: f.Event, Data: f.Data})
	}

	require.Len(t, frames, 4)
	assert.Equal(t, "x", frames[0].Data.(Output).Data)
	assert.Equal(t, "€", frames[1].Data.(Output).Data)
	assert.Equal(t, "data", frames[2].Data.(Output).Type)
	assert.Equal(t, "exit", frames[3].Data.(Output).Type)
	assert.Equal(t, now.UnixMilli(), frames[3].Data.(Output).Timestamp)
}
