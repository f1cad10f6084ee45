package realtime

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// StoreEventKind names what changed in the store.
type StoreEventKind string

const (
	ConversationChanged StoreEventKind = "conversation"
	MessageChanged      StoreEventKind = "message"
)

// StoreEvent notifies subscribers of a change.
type StoreEvent struct {
	Kind           StoreEventKind
	ConversationID string
	MessageID      string
}

// requester is the slice of the connection manager the store and pipeline need.
type requester interface {
	Request(ctx context.Context, event string, payload, out any) error
	IsConnected() bool
}

// historySource fetches a conversation's messages with seq greater than afterSeq.
type historySource interface {
	History(ctx context.Context, conversationID string, afterSeq int64) ([]protocol.Message, error)
}

// historyPageSize is the largest page the gateway returns for message:list.
const historyPageSize = 200

// socketHistory pages history over the websocket with message:list.
type socketHistory struct {
	conn  requester
	limit int
}

func (h socketHistory) History(ctx context.Context, conversationID string, afterSeq int64) ([]protocol.Message, error) {
	var page protocol.MessagePage
	err := h.conn.Request(ctx, protocol.EventMessageList, protocol.ListMessagesRequest{
		ConversationID: conversationID,
		AfterSeq:       afterSeq,
		Limit:          h.limit,
	}, &page)
	return page.Messages, err
}

// conversationState is the cached state of one conversation. mu is its single write path.
type conversationState struct {
	mu       sync.Mutex
	conv     protocol.Conversation
	known    bool
	messages []protocol.Message
	lastSeq  int64
	unread   int
	joined   bool
	fetched  bool
}

// ConversationStore caches conversations and their messages.
type ConversationStore struct {
	conn    requester
	history  historySource
	pageSize int
	self     func() string
	logger   zerolog.Logger

	mu            sync.RWMutex
	conversations map[string]*conversationState
	messageIndex  map[string]string

	subMu     sync.Mutex
	subs      map[int]func(StoreEvent)
	nextSubID int
}

// NewConversationStore builds a store. When history is nil messages are paged over the socket.
func NewConversationStore(conn requester, history historySource, self func() string, logger zerolog.Logger) *ConversationStore {
	if history == nil {
		history = socketHistory{conn: conn, limit: historyPageSize}
	}
	if self == nil {
		self = func() string { return "" }
	}
	return &ConversationStore{
		conn:          conn,
		history:       history,
		pageSize:      historyPageSize,
		self:          self,
		logger:        logger.With().Str("component", "conversation_store").Logger(),
		conversations: make(map[string]*conversationState),
		messageIndex:  make(map[string]string),
		subs:          make(map[int]func(StoreEvent)),
	}
}

// state returns the entry for id, creating it when create is set.
func (s *ConversationStore) state(id string, create bool) *conversationState {
	s.mu.RLock()
	st, ok := s.conversations[id]
	s.mu.RUnlock()
	if ok || !create {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.conversations[id]; ok {
		return st
	}
	st = &conversationState{}
	s.conversations[id] = st
	return st
}

func (s *ConversationStore) index(messageID, conversationID string) {
	s.mu.Lock()
	s.messageIndex[messageID] = conversationID
	s.mu.Unlock()
}

func (s *ConversationStore) conversationOf(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.messageIndex[messageID]
	return id, ok
}

// List returns the known conversations ordered by last activity, most recent first.
func (s *ConversationStore) List() []protocol.Conversation {
	s.mu.RLock()
	states := make([]*conversationState, 0, len(s.conversations))
	for _, st := range s.conversations {
		states = append(states, st)
	}
	s.mu.RUnlock()

	out := make([]protocol.Conversation, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if st.known {
			out = append(out, st.conv)
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return conversationLess(out[i], out[j]) })
	return out
}

// Conversation returns the cached conversation.
func (s *ConversationStore) Conversation(id string) (protocol.Conversation, bool) {
	st := s.state(id, false)
	if st == nil {
		return protocol.Conversation{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.conv, st.known
}

// Messages returns a copy of the cached messages of a conversation in render order.
func (s *ConversationStore) Messages(conversationID string) []protocol.Message {
	st := s.state(conversationID, false)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]protocol.Message, len(st.messages))
	copy(out, st.messages)
	return out
}

// Message looks up a cached message by id.
func (s *ConversationStore) Message(messageID string) (protocol.Message, bool) {
	conversationID, ok := s.conversationOf(messageID)
	if !ok {
		return protocol.Message{}, false
	}
	st := s.state(conversationID, false)
	if st == nil {
		return protocol.Message{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, m := range st.messages {
		if m.ID == messageID {
			return m, true
		}
	}
	return protocol.Message{}, false
}

// Unread returns the number of messages from others received since the last MarkSeen.
func (s *ConversationStore) Unread(conversationID string) int {
	st := s.state(conversationID, false)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.unread
}

// MarkSeen resets the local unread counter of a conversation.
func (s *ConversationStore) MarkSeen(conversationID string) {
	st := s.state(conversationID, false)
	if st == nil {
		return
	}
	st.mu.Lock()
	changed := st.unread != 0
	st.unread = 0
	st.mu.Unlock()
	if changed {
		s.publish(StoreEvent{Kind: ConversationChanged, ConversationID: conversationID})
	}
}

// Joined lists the conversations whose room this client has joined.
func (s *ConversationStore) Joined() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.conversations))
	states := make([]*conversationState, 0, len(s.conversations))
	for id, st := range s.conversations {
		ids = append(ids, id)
		states = append(states, st)
	}
	s.mu.RUnlock()

	out := make([]string, 0)
	for i, st := range states {
		st.mu.Lock()
		if st.joined {
			out = append(out, ids[i])
		}
		st.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Refresh reloads the conversation list from the server.
func (s *ConversationStore) Refresh(ctx context.Context, includeArchived bool) error {
	var conversations []protocol.Conversation
	if err := s.conn.Request(ctx, protocol.EventConversationList, protocol.ListConversationsRequest{IncludeArchived: includeArchived}, &conversations); err != nil {
		return err
	}
	for _, conv := range conversations {
		s.upsertConversation(conv)
	}
	return nil
}

// Create opens a conversation. The server subscribes the creator to its room.
func (s *ConversationStore) Create(ctx context.Context, req protocol.CreateConversationRequest) (protocol.Conversation, error) {
	var conv protocol.Conversation
	if err := s.conn.Request(ctx, protocol.EventConversationCreate, req, &conv); err != nil {
		return protocol.Conversation{}, err
	}
	s.upsertConversation(conv)

	st := s.state(conv.ID, true)
	st.mu.Lock()
	st.joined = true
	st.mu.Unlock()
	return conv, nil
}

// Join subscribes to the conversation's room and fetches its history once. Repeat calls, and
// joins after a Leave, return the cached conversation without refetching.
func (s *ConversationStore) Join(ctx context.Context, conversationID string) (protocol.Conversation, error) {
	st := s.state(conversationID, true)
	st.mu.Lock()
	if st.joined && st.fetched {
		conv := st.conv
		st.mu.Unlock()
		return conv, nil
	}
	joined, fetched := st.joined, st.fetched
	st.mu.Unlock()

	if !joined {
		var result protocol.JoinResult
		if err := s.conn.Request(ctx, protocol.EventConversationJoin, protocol.ConversationRef{ConversationID: conversationID}, &result); err != nil {
			return protocol.Conversation{}, err
		}
		s.upsertConversation(result.Conversation)
		st.mu.Lock()
		st.joined = true
		st.mu.Unlock()
	}

	if !fetched {
		if _, _, err := s.fetch(ctx, conversationID, 0); err != nil {
			return protocol.Conversation{}, err
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.conv, nil
}

// fetch loads one page of history after afterSeq, marks the conversation as fetched and
// returns the number of messages received with the highest seq among them.
func (s *ConversationStore) fetch(ctx context.Context, conversationID string, afterSeq int64) (int, int64, error) {
	messages, err := s.history.History(ctx, conversationID, afterSeq)
	if err != nil {
		return 0, 0, err
	}

	var maxSeq int64
	st := s.state(conversationID, true)
	st.mu.Lock()
	for _, m := range messages {
		st.messages, _ = upsertMessage(st.messages, m)
		if m.Seq > st.lastSeq {
			st.lastSeq = m.Seq
		}
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
	}
	st.fetched = true
	st.mu.Unlock()

	for _, m := range messages {
		s.index(m.ID, conversationID)
	}
	if len(messages) > 0 {
		s.publish(StoreEvent{Kind: MessageChanged, ConversationID: conversationID})
	}
	return len(messages), maxSeq, nil
}

// catchUp pages history forward from afterSeq until the server returns a short page.
func (s *ConversationStore) catchUp(ctx context.Context, conversationID string, afterSeq int64) error {
	for {
		n, maxSeq, err := s.fetch(ctx, conversationID, afterSeq)
		if err != nil {
			return err
		}
		if n < s.pageSize || maxSeq <= afterSeq {
			return nil
		}
		afterSeq = maxSeq
	}
}

// Leave unsubscribes from the room. Cached messages are kept.
func (s *ConversationStore) Leave(ctx context.Context, conversationID string) error {
	if err := s.conn.Request(ctx, protocol.EventConversationLeave, protocol.ConversationRef{ConversationID: conversationID}, nil); err != nil {
		return err
	}
	if st := s.state(conversationID, false); st != nil {
		st.mu.Lock()
		st.joined = false
		st.mu.Unlock()
	}
	return nil
}

// Archive archives the conversation on the server and caches the result.
func (s *ConversationStore) Archive(ctx context.Context, conversationID string) (protocol.Conversation, error) {
	var conv protocol.Conversation
	if err := s.conn.Request(ctx, protocol.EventConversationArchive, protocol.ConversationRef{ConversationID: conversationID}, &conv); err != nil {
		return protocol.Conversation{}, err
	}
	s.upsertConversation(conv)
	return conv, nil
}

// joinedSeqs snapshots the last seen seq of every joined room.
func (s *ConversationStore) joinedSeqs() map[string]int64 {
	s.mu.RLock()
	states := make(map[string]*conversationState, len(s.conversations))
	for id, st := range s.conversations {
		states[id] = st
	}
	s.mu.RUnlock()

	out := make(map[string]int64)
	for id, st := range states {
		st.mu.Lock()
		if st.joined {
			out[id] = st.lastSeq
		}
		st.mu.Unlock()
	}
	return out
}

// resync re-joins every previously joined room and pulls the messages missed while offline.
// Seqs are read before the first re-join: live pushes resume once the session is back in a room.
func (s *ConversationStore) resync(ctx context.Context) {
	seqs := s.joinedSeqs()
	ids := make([]string, 0, len(seqs))
	for id := range seqs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		var result protocol.JoinResult
		if err := s.conn.Request(ctx, protocol.EventConversationJoin, protocol.ConversationRef{ConversationID: id}, &result); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", id).Msg("failed to rejoin conversation")
			continue
		}
		s.upsertConversation(result.Conversation)

		afterSeq := seqs[id]
		if err := s.catchUp(ctx, id, afterSeq); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", id).Int64("after_seq", afterSeq).Msg("failed to resync history")
		}
	}
}

// upsertConversation merges a full conversation snapshot. Last-activity fields only move forward.
func (s *ConversationStore) upsertConversation(conv protocol.Conversation) {
	if conv.ID == "" {
		return
	}
	st := s.state(conv.ID, true)
	st.mu.Lock()
	if st.known {
		previous := st.conv
		conv = applyConversationUpdate(conv, protocol.ConversationUpdatedEvent{
			LastMessageID:      previous.LastMessageID,
			LastMessageAt:      previous.LastMessageAt,
			LastMessagePreview: previous.LastMessagePreview,
		})
	}
	st.conv = conv
	st.known = true
	st.mu.Unlock()

	s.publish(StoreEvent{Kind: ConversationChanged, ConversationID: conv.ID})
}

// updateConversation applies conversation:updated. Unknown ids are appended as stubs.
func (s *ConversationStore) updateConversation(update protocol.ConversationUpdatedEvent) {
	if update.ConversationID == "" {
		return
	}
	st := s.state(update.ConversationID, true)
	st.mu.Lock()
	if !st.known {
		st.conv = protocol.Conversation{ID: update.ConversationID}
		st.known = true
	}
	st.conv = applyConversationUpdate(st.conv, update)
	st.mu.Unlock()

	s.publish(StoreEvent{Kind: ConversationChanged, ConversationID: update.ConversationID})
}

// applyMessage upserts a message. Remote messages from other users that were not cached yet
// count as unread.
func (s *ConversationStore) applyMessage(m protocol.Message, remote bool) {
	if m.ID == "" || m.ConversationID == "" {
		return
	}
	st := s.state(m.ConversationID, true)
	st.mu.Lock()
	var added bool
	st.messages, added = upsertMessage(st.messages, m)
	if m.Seq > st.lastSeq {
		st.lastSeq = m.Seq
	}
	if added && remote && m.SenderID != s.self() {
		st.unread++
	}
	if st.known {
		st.conv = touchConversation(st.conv, m)
	}
	st.mu.Unlock()

	s.index(m.ID, m.ConversationID)
	s.publish(StoreEvent{Kind: MessageChanged, ConversationID: m.ConversationID, MessageID: m.ID})
}

// mutateMessage applies fn to a cached message. Unknown messages are ignored.
func (s *ConversationStore) mutateMessage(messageID string, fn func(protocol.Message) protocol.Message) bool {
	conversationID, ok := s.conversationOf(messageID)
	if !ok {
		return false
	}
	st := s.state(conversationID, false)
	if st == nil {
		return false
	}

	st.mu.Lock()
	found := false
	for i := range st.messages {
		if st.messages[i].ID == messageID {
			st.messages[i] = fn(st.messages[i])
			found = true
			break
		}
	}
	st.mu.Unlock()

	if found {
		s.publish(StoreEvent{Kind: MessageChanged, ConversationID: conversationID, MessageID: messageID})
	}
	return found
}

// Subscribe registers fn for store changes and returns its cancel func.
func (s *ConversationStore) Subscribe(fn func(StoreEvent)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *ConversationStore) publish(event StoreEvent) {
	s.subMu.Lock()
	subs := make([]func(StoreEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}
