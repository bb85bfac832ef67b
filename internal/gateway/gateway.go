package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datatalk-ai/datatalk/internal/agent"
	"github.com/datatalk-ai/datatalk/internal/auth"
	"github.com/datatalk-ai/datatalk/internal/llm"
	"github.com/datatalk-ai/datatalk/internal/resilience"
	"github.com/datatalk-ai/datatalk/internal/store"
	"github.com/datatalk-ai/datatalk/internal/toolset"
)

// TurnRunner runs one conversation turn. Satisfied by agent.Runner.
type TurnRunner interface {
	RunTurn(ctx context.Context, ns *toolset.Namespace, history []llm.Message, events chan<- agent.Event) ([]llm.Message, error)
}

// HistoryAppender persists messages durably. Appends are fire-and-forget:
// failures are logged, not surfaced.
type HistoryAppender interface {
	Append(conversationID, userID string, msg store.Message) error
}

// Handler serves the websocket endpoint.
type Handler struct {
	runner    TurnRunner
	builder   *toolset.Builder
	store     *store.MemoryStore
	history   HistoryAppender
	tokens    *auth.TokenManager
	upgrader  websocket.Upgrader
	heartbeat time.Duration
}

// NewHandler wires the gateway. history may be nil to disable durable
// persistence.
func NewHandler(runner TurnRunner, builder *toolset.Builder, memStore *store.MemoryStore, history HistoryAppender, tokens *auth.TokenManager) *Handler {
	return &Handler{
		runner:  runner,
		builder: builder,
		store:   memStore,
		history: history,
		tokens:  tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// CORS is enforced by the HTTP middleware in front of us.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		heartbeat: 25 * time.Second,
	}
}

// ServeHTTP authenticates the request, upgrades it, and runs the session
// until the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := claims.ConversationID
	if conversationID == "" {
		conversationID = r.URL.Query().Get("conversation_id")
	}
	conv := h.store.GetConversation(conversationID)
	if conv == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if conv.UserID != claims.UserID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade failed: %v", err)
		return
	}

	h.serve(conn, newSession(conversationID, claims.UserID))
}

func (h *Handler) authenticate(r *http.Request) (*auth.TokenClaims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
		if token == header {
			token = ""
		}
	}
	if token == "" {
		return nil, errors.New("missing token")
	}
	return h.tokens.ValidateTokenWithScope(token, auth.ScopeChatStream)
}

// serve runs the read loop on this goroutine and the write loop on another.
// All writes go through outbound; the write loop assigns every sequence
// number at write time, so the wire order and the seq order are the same by
// construction.
func (h *Handler) serve(conn *websocket.Conn, sess *session) {
	outbound := make(chan StreamMessage, 256)
	done := make(chan struct{})

	go h.writeLoop(conn, sess, outbound, done)
	defer func() {
		// Stop any running turn and wait for it before the writer shuts
		// down, so the turn's terminal message is never sent on a closed
		// channel.
		sess.requestCancel()
		sess.turns.Wait()
		close(outbound)
		<-done
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Gateway] Read error on %s: %v", sess.conversationID, err)
			}
			return
		}

		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.send(outbound, done, sess, TypeError, ErrorPayload{Message: "malformed message"})
			continue
		}

		switch msg.Type {
		case TypeUserTurn:
			var payload UserTurnPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Content == "" {
				h.send(outbound, done, sess, TypeError, ErrorPayload{Message: "user_turn requires content"})
				continue
			}
			h.startTurn(sess, payload, outbound, done)

		case TypeCancel:
			if !sess.requestCancel() {
				h.send(outbound, done, sess, TypeError, ErrorPayload{Message: "no turn in progress"})
			}

		default:
			h.send(outbound, done, sess, TypeError, ErrorPayload{Message: "unknown message type: " + msg.Type})
		}
	}
}

// writeLoop is the only writer on the socket and the only place sequence
// numbers are assigned, so seq order matches wire order even when heartbeats
// interleave with a queued backlog.
func (h *Handler) writeLoop(conn *websocket.Conn, sess *session, outbound <-chan StreamMessage, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-outbound:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			msg.Seq = sess.nextSeq()
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("[Gateway] Write error on %s: %v", sess.conversationID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(StreamMessage{
				ConversationID: sess.conversationID,
				Seq:            sess.nextSeq(),
				Type:           TypeHeartbeat,
			}); err != nil {
				return
			}
		}
	}
}

// startTurn launches the turn goroutine. Every started turn sends exactly
// one terminal message, whatever happens.
func (h *Handler) startTurn(sess *session, payload UserTurnPayload, outbound chan<- StreamMessage, writerDone <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	if !sess.beginTurn(cancel) {
		cancel()
		h.send(outbound, writerDone, sess, TypeError, ErrorPayload{Message: "a turn is already in progress"})
		return
	}

	userMsg := h.store.AddMessage(sess.conversationID, store.Message{Role: "user", Content: payload.Content})
	h.persist(sess, userMsg)

	conv := h.store.GetConversation(sess.conversationID)
	if conv == nil {
		sess.endTurn()
		cancel()
		h.send(outbound, writerDone, sess, TypeError, ErrorPayload{Message: "conversation no longer exists"})
		return
	}

	// A selection sent with the turn overrides the stored one for this
	// turn only.
	providerIDs := conv.ProviderIDs
	if payload.SelectedProviderIDs != nil {
		providerIDs = payload.SelectedProviderIDs
	}

	sess.turns.Add(1)
	go func() {
		defer sess.turns.Done()
		defer cancel()

		ns := h.builder.Build(ctx, providerIDs)

		events := make(chan agent.Event, 64)
		turnDone := make(chan struct{})

		var appended []llm.Message
		var runErr error
		go func() {
			defer close(turnDone)
			defer close(events)
			appended, runErr = h.runner.RunTurn(ctx, ns, toLLMMessages(conv.Messages), events)
		}()

		for ev := range events {
			h.forward(sess, ev, outbound, writerDone)
		}
		<-turnDone

		for _, msg := range appended {
			stored := h.store.AddMessage(sess.conversationID, fromLLMMessage(msg))
			h.persist(sess, stored)
		}

		wasCancelled := sess.endTurn()
		switch {
		case wasCancelled || errors.Is(runErr, context.Canceled):
			h.send(outbound, writerDone, sess, TypeTurnCancelled, nil)
		case runErr != nil:
			log.Printf("[Gateway] Turn failed on %s: %v", sess.conversationID, runErr)
			h.send(outbound, writerDone, sess, TypeError, ErrorPayload{
				Message:   runErr.Error(),
				Retryable: resilience.IsTransient(runErr),
			})
		default:
			h.send(outbound, writerDone, sess, TypeTurnComplete, nil)
		}
	}()
}

func (h *Handler) forward(sess *session, ev agent.Event, outbound chan<- StreamMessage, writerDone <-chan struct{}) {
	switch ev.Type {
	case agent.EventToken:
		h.send(outbound, writerDone, sess, TypeToken, TokenPayload{Content: ev.Content})
	case agent.EventToolCallStarted:
		h.send(outbound, writerDone, sess, TypeToolCallStarted, ev.ToolCall)
	case agent.EventToolCallResult:
		h.send(outbound, writerDone, sess, TypeToolCallResult, ev.ToolCall)
	}
}

// send enqueues one envelope. Seq is assigned by the write loop, not here.
// When the queue is full send blocks until the writer drains it; the
// writerDone escape keeps a dead socket from wedging the turn goroutine. No
// message bound for a live connection is ever dropped, terminals included.
func (h *Handler) send(outbound chan<- StreamMessage, writerDone <-chan struct{}, sess *session, msgType string, payload any) {
	msg := StreamMessage{
		ConversationID: sess.conversationID,
		Type:           msgType,
	}
	if payload != nil {
		msg.Payload = mustPayload(payload)
	}
	select {
	case outbound <- msg:
	case <-writerDone:
		// The writer is gone, so the connection is too. Nothing to
		// deliver to.
	}
}

func (h *Handler) persist(sess *session, msg store.Message) {
	if h.history == nil {
		return
	}
	if err := h.history.Append(sess.conversationID, sess.userID, msg); err != nil {
		log.Printf("[Gateway] History append failed for %s: %v", sess.conversationID, err)
	}
}

func toLLMMessages(msgs []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		lm := llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			call := llm.ToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			lm.ToolCalls = append(lm.ToolCalls, call)
		}
		out = append(out, lm)
	}
	return out
}

func fromLLMMessage(m llm.Message) store.Message {
	out := store.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, store.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}
