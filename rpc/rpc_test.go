package rpc

import (
	"context"
	"net/rpc"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/quizroom/models"
	"github.com/wfunc/quizroom/persistence"
	"github.com/wfunc/quizroom/room"
	"github.com/wfunc/quizroom/services"
	"github.com/wfunc/quizroom/state"
)

func startServer(t *testing.T, notify Notifier) *rpc.Client {
	t.Helper()
	q := models.Question{Prompt: "Nama Buah", Answers: []string{"Apel", "Jeruk", "Mangga"}}
	engine := room.NewEngine(persistence.NewMemoryStore(), services.NewStaticProvider(q))

	srv, err := NewServer("127.0.0.1:0", NewRoomService(engine, notify))
	require.NoError(t, err)
	go srv.Start()
	t.Cleanup(srv.Stop)

	client, err := rpc.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRoomService_Flow(t *testing.T) {
	var mu sync.Mutex
	var notified []string
	client := startServer(t, func(_ context.Context, code string) {
		mu.Lock()
		notified = append(notified, code)
		mu.Unlock()
	})

	var ack Ack
	require.NoError(t, client.Call("RoomService.Create", &CreateArgs{Code: "R1", UID: "h1", Name: "Host"}, &ack))
	assert.True(t, ack.Success)
	require.NoError(t, client.Call("RoomService.Join", &JoinArgs{Code: "R1", UID: "a1", Name: "Alice"}, &ack))
	require.NoError(t, client.Call("RoomService.Start", &StartArgs{Code: "R1"}, &ack))

	var sub SubmitReply
	require.NoError(t, client.Call("RoomService.Submit", &SubmitArgs{Code: "R1", UID: "a1", Name: "Alice", Answer: "apel"}, &sub))
	assert.Equal(t, SubmitReply{Correct: true, Points: 30}, sub)

	sub = SubmitReply{}
	require.NoError(t, client.Call("RoomService.Submit", &SubmitArgs{Code: "R1", UID: "a1", Name: "Alice", Answer: "apel"}, &sub))
	assert.False(t, sub.Correct)

	var poll PollReply
	require.NoError(t, client.Call("RoomService.Poll", &PollArgs{Code: "R1"}, &poll))
	assert.Equal(t, state.StatusPlaying, poll.Room.Status)
	require.Len(t, poll.Room.Players, 2)
	assert.Equal(t, 30, poll.Room.Players[1].Score)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"R1", "R1", "R1", "R1"}, notified)
}

func TestRoomService_Errors(t *testing.T) {
	client := startServer(t, nil)

	var ack Ack
	require.NoError(t, client.Call("RoomService.Create", &CreateArgs{Code: "R1", UID: "h1", Name: "Host"}, &ack))

	err := client.Call("RoomService.Create", &CreateArgs{Code: "R1", UID: "h1", Name: "Host"}, &ack)
	require.Error(t, err)
	assert.Contains(t, err.Error(), room.ErrConflict.Error())

	var poll PollReply
	err = client.Call("RoomService.Poll", &PollArgs{Code: "NOPE"}, &poll)
	require.Error(t, err)
	assert.Contains(t, err.Error(), room.ErrNotFound.Error())
}
