package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

func TestConnectSendsBearerToken(t *testing.T) {
	srv := newFakeServer(t)
	client := newTestClient(t, srv)

	require.True(t, client.Conn.IsConnected())
	require.Equal(t, StateConnected, client.Conn.State())
	require.Eventually(t, func() bool { return srv.connections() == 1 }, time.Second, 10*time.Millisecond)

	srv.mu.Lock()
	header := srv.headers[0]
	srv.mu.Unlock()
	require.Equal(t, "Bearer token-alice", header.Get("Authorization"))
}

func TestConnectWithEmptyCredentialsTearsDown(t *testing.T) {
	srv := newFakeServer(t)
	client := newTestClient(t, srv)

	require.NoError(t, client.Connect(context.Background(), Credentials{}))
	require.False(t, client.Conn.IsConnected())
	require.Equal(t, StateDisconnected, client.Conn.State())
	require.NoError(t, client.Conn.LastError())
}

func TestRequestWhileDisconnectedSendsNothing(t *testing.T) {
	srv := newFakeServer(t)
	manager := NewConnectionManager(srv.url(), ConnectionOptions{})

	err := manager.Request(context.Background(), protocol.EventConversationList, nil, nil)
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, manager.Emit(protocol.EventTypingStart, nil), ErrNotConnected)
	require.Equal(t, StateDisconnected, manager.State())
	require.Zero(t, srv.connections())
}

func TestRequestSurfacesAckErrors(t *testing.T) {
	srv := newFakeServer(t)
	srv.on(protocol.EventConversationArchive, func(*fakeServer, protocol.Frame) (any, error) {
		return nil, errors.New("only admins can archive this conversation")
	})
	client := newTestClient(t, srv)

	err := client.Conn.Request(context.Background(), protocol.EventConversationArchive, protocol.ConversationRef{ConversationID: "c1"}, nil)
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	require.Equal(t, protocol.EventConversationArchive, ackErr.Event)
	require.Equal(t, "only admins can archive this conversation", ackErr.Message)
}

func TestRequestTimesOut(t *testing.T) {
	srv := newFakeServer(t)
	srv.on(protocol.EventConversationList, func(*fakeServer, protocol.Frame) (any, error) { return nil, errNoAck })

	manager := NewConnectionManager(srv.url(), ConnectionOptions{RequestTimeout: 50 * time.Millisecond})
	require.NoError(t, manager.Connect(context.Background(), Credentials{Token: "t"}))
	t.Cleanup(manager.Disconnect)

	err := manager.Request(context.Background(), protocol.EventConversationList, nil, nil)
	require.ErrorIs(t, err, ErrTimeout)
	require.True(t, manager.IsConnected())
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	srv := newFakeServer(t)
	srv.on(protocol.EventConversationList, func(*fakeServer, protocol.Frame) (any, error) { return nil, errNoAck })
	client := newTestClient(t, srv)

	result := make(chan error, 1)
	go func() {
		result <- client.Conn.Request(context.Background(), protocol.EventConversationList, nil, nil)
	}()
	require.Eventually(t, func() bool { return len(srv.received(protocol.EventConversationList)) == 1 }, time.Second, 5*time.Millisecond)

	client.Conn.Disconnect()
	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("pending request was not released")
	}
}

// flakyDialer succeeds on the first dial and fails afterwards.
type flakyDialer struct {
	inner Dialer
	calls atomic.Int32
}

func (d *flakyDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	if d.calls.Add(1) == 1 {
		return d.inner.DialContext(ctx, url, header)
	}
	return nil, errors.New("connection refused")
}

func TestReconnectGivesUpAfterFiveAttempts(t *testing.T) {
	srv := newFakeServer(t)
	dialer := &flakyDialer{inner: NewConnectionManager("", ConnectionOptions{}).dialer}
	manager := NewConnectionManager(srv.url(), ConnectionOptions{
		Dialer:           dialer,
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
	})

	var (
		mu     sync.Mutex
		states []ConnectionState
	)
	manager.Subscribe(func(state ConnectionState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	require.NoError(t, manager.Connect(context.Background(), Credentials{Token: "t"}))
	t.Cleanup(manager.Disconnect)
	require.Eventually(t, func() bool { return srv.connections() == 1 }, time.Second, 5*time.Millisecond)

	srv.dropAll()

	require.Eventually(t, func() bool { return manager.State() == StateFailed }, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 6, dialer.calls.Load())

	err := manager.LastError()
	require.ErrorIs(t, err, ErrReconnectFailed)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, 5, connErr.Attempts)

	require.ErrorIs(t, manager.Request(context.Background(), protocol.EventConversationList, nil, nil), ErrNotConnected)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateFailed, manager.State())
	require.ErrorIs(t, manager.LastError(), ErrReconnectFailed)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateReconnecting, StateFailed}, states)
}

func TestReconnectRejoinsRoomsAndResyncsAfterLastSeq(t *testing.T) {
	srv := newFakeServer(t)
	srv.on(protocol.EventConversationJoin, func(_ *fakeServer, frame protocol.Frame) (any, error) {
		var ref protocol.ConversationRef
		require.NoError(t, frame.Decode(&ref))
		return protocol.JoinResult{Conversation: protocol.Conversation{ID: ref.ConversationID, CreatedAt: at(0)}}, nil
	})
	srv.on(protocol.EventMessageList, func(_ *fakeServer, frame protocol.Frame) (any, error) {
		var req protocol.ListMessagesRequest
		require.NoError(t, frame.Decode(&req))
		if req.AfterSeq == 0 {
			return protocol.MessagePage{Messages: []protocol.Message{
				{ID: "m1", ConversationID: "c1", SenderID: "bob", Seq: 1, CreatedAt: at(1)},
				{ID: "m2", ConversationID: "c1", SenderID: "bob", Seq: 2, CreatedAt: at(2)},
			}, Total: 2}, nil
		}
		return protocol.MessagePage{Messages: []protocol.Message{
			{ID: "m3", ConversationID: "c1", SenderID: "bob", Seq: 3, CreatedAt: at(3)},
		}, Total: 3}, nil
	})
	client := newTestClient(t, srv)

	_, err := client.Conversations.Join(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, client.Conversations.Messages("c1"), 2)

	srv.dropAll()

	require.Eventually(t, func() bool { return len(client.Conversations.Messages("c1")) == 3 }, 2*time.Second, 10*time.Millisecond)
	require.True(t, client.Conn.IsConnected())
	require.Len(t, srv.received(protocol.EventConversationJoin), 2)

	lists := srv.received(protocol.EventMessageList)
	require.Len(t, lists, 2)
	var resync protocol.ListMessagesRequest
	require.NoError(t, lists[1].Decode(&resync))
	require.EqualValues(t, 2, resync.AfterSeq)
}

func TestResyncUsesSeqSeenBeforeRejoin(t *testing.T) {
	srv := newFakeServer(t)
	var joins atomic.Int32
	srv.on(protocol.EventConversationJoin, func(s *fakeServer, frame protocol.Frame) (any, error) {
		var ref protocol.ConversationRef
		require.NoError(t, frame.Decode(&ref))
		if joins.Add(1) > 1 {
			s.push(protocol.EventMessageNew, protocol.MessageNewEvent{Message: echoMessage("m6", "bob", 6, 6)})
		}
		return protocol.JoinResult{Conversation: protocol.Conversation{ID: ref.ConversationID, CreatedAt: at(0)}}, nil
	})
	srv.on(protocol.EventMessageList, func(_ *fakeServer, frame protocol.Frame) (any, error) {
		var req protocol.ListMessagesRequest
		require.NoError(t, frame.Decode(&req))
		switch req.AfterSeq {
		case 0:
			return protocol.MessagePage{Messages: []protocol.Message{
				echoMessage("m1", "bob", 1, 1),
				echoMessage("m2", "bob", 2, 2),
			}, Total: 2}, nil
		case 2:
			return protocol.MessagePage{Messages: []protocol.Message{
				echoMessage("m3", "bob", 3, 3),
				echoMessage("m4", "bob", 4, 4),
				echoMessage("m5", "bob", 5, 5),
				echoMessage("m6", "bob", 6, 6),
			}, Total: 4}, nil
		}
		return protocol.MessagePage{}, nil
	})
	client := newTestClient(t, srv)

	_, err := client.Conversations.Join(context.Background(), "c1")
	require.NoError(t, err)

	srv.dropAll()

	require.Eventually(t, func() bool { return len(client.Conversations.Messages("c1")) == 6 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"m1", "m2", "m3", "m4", "m5", "m6"}, ids(client.Conversations.Messages("c1")))

	lists := srv.received(protocol.EventMessageList)
	require.Len(t, lists, 2)
	var resync protocol.ListMessagesRequest
	require.NoError(t, lists[1].Decode(&resync))
	require.EqualValues(t, 2, resync.AfterSeq)
}

type closeTrackingConn struct {
	Conn
	closed atomic.Bool
}

func (c *closeTrackingConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

// interruptingDialer runs onRedial once a reconnect dial has reached the server.
type interruptingDialer struct {
	inner    Dialer
	calls    atomic.Int32
	onRedial func()
	redialed atomic.Pointer[closeTrackingConn]
}

func (d *interruptingDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, err := d.inner.DialContext(ctx, url, header)
	if err != nil || d.calls.Add(1) == 1 {
		return conn, err
	}
	tracked := &closeTrackingConn{Conn: conn}
	d.redialed.Store(tracked)
	d.onRedial()
	return tracked, nil
}

func TestDisconnectDuringReconnectDiscardsNewConnection(t *testing.T) {
	srv := newFakeServer(t)
	dialer := &interruptingDialer{inner: NewConnectionManager("", ConnectionOptions{}).dialer}
	manager := NewConnectionManager(srv.url(), ConnectionOptions{
		Dialer:           dialer,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     40 * time.Millisecond,
	})
	dialer.onRedial = manager.Disconnect
	t.Cleanup(manager.Disconnect)

	var reconnected atomic.Bool
	manager.OnReconnect(func(context.Context) { reconnected.Store(true) })
	require.NoError(t, manager.Connect(context.Background(), Credentials{Token: "token-alice", UserID: "alice"}))

	srv.dropAll()

	require.Eventually(t, func() bool {
		conn := dialer.redialed.Load()
		return conn != nil && conn.closed.Load()
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateDisconnected, manager.State())
	require.False(t, manager.IsConnected())
	require.False(t, reconnected.Load())
	require.Equal(t, 2, srv.connections())
	require.ErrorIs(t, manager.Request(context.Background(), protocol.EventConversationList, nil, nil), ErrNotConnected)
}
