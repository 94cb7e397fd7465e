package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/internal/auth"
	"github.com/campswap/messaging/internal/events"
	"github.com/campswap/messaging/internal/model"
	"github.com/campswap/messaging/internal/service"
	"github.com/campswap/messaging/pkg/logger"
	"github.com/campswap/messaging/pkg/metrics"
)

// Authenticator resolves a handshake credential.
type Authenticator interface {
	Authenticate(token string) (auth.Identity, error)
}

// MessageService is the write path used by inbound events.
type MessageService interface {
	Send(ctx context.Context, in service.SendInput) (*service.SendResult, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

// ConversationReader authorizes typing fan-out.
type ConversationReader interface {
	Get(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
}

// IdentitySync records an authenticated identity in the user directory.
type IdentitySync interface {
	Sync(ctx context.Context, id auth.Identity) error
}

// Options tunes the gateway. Zero values fall back to defaults.
type Options struct {
	AllowedOrigins    []string
	SendQueueSize     int
	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RateEvents        int
	RateWindow        time.Duration

	// Users, when set, is synced with each identity before the upgrade.
	Users IdentitySync
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = defaultSendQueueSize
	}
	if o.SendQueueSize < minSendQueueSize {
		o.SendQueueSize = minSendQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadIdleTimeout <= 0 {
		o.ReadIdleTimeout = defaultReadIdleTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.RateEvents <= 0 {
		o.RateEvents = defaultRateEvents
	}
	if o.RateWindow <= 0 {
		o.RateWindow = defaultRateWindow
	}
	return o
}

// Gateway is the websocket entrypoint.
//
// A connection moves Connecting -> Authenticated -> Active -> Closed. The
// credential is checked before the upgrade, so an unauthenticated peer gets
// a 401 and never reaches Active.
type Gateway struct {
	hub           *Hub
	auth          Authenticator
	messages      MessageService
	conversations ConversationReader
	logger        *logger.Logger
	opts          Options

	allowAnyOrigin bool
	allowedOrigins []string
	originPatterns []string
}

// NewGateway constructs a gateway.
func NewGateway(
	hub *Hub,
	authenticator Authenticator,
	messages MessageService,
	conversations ConversationReader,
	log *logger.Logger,
	opts Options,
) *Gateway {
	g := &Gateway{
		hub:           hub,
		auth:          authenticator,
		messages:      messages,
		conversations: conversations,
		logger:        log.Named("gateway"),
		opts:          opts.withDefaults(),
	}
	for _, o := range g.opts.AllowedOrigins {
		o = strings.TrimSpace(o)
		switch o {
		case "":
		case "*":
			g.allowAnyOrigin = true
		default:
			g.allowedOrigins = append(g.allowedOrigins, o)
		}
	}
	g.originPatterns = originPatterns(g.allowedOrigins)
	return g
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.logger.Info("ws reject origin", zap.Error(err), zap.String("origin", r.Header.Get("Origin")))
		writeHTTPError(w, http.StatusForbidden, "forbidden", "origin not allowed")
		return
	}

	id, err := g.authenticate(r)
	if err == nil && g.opts.Users != nil {
		err = g.opts.Users.Sync(r.Context(), id)
	}
	if err != nil {
		metrics.RealtimeAuthFailures.Inc()
		g.logger.Info("ws reject auth", zap.Error(err), zap.String("remote", r.RemoteAddr))
		if apperr.IsRetryable(err) {
			writeHTTPError(w, http.StatusServiceUnavailable, apperr.KindUnavailable.String(), apperr.Message(err))
			return
		}
		writeHTTPError(w, http.StatusUnauthorized, apperr.KindUnauthenticated.String(), apperr.Message(err))
		return
	}

	// Server-wide read/write timeouts must not cut long-lived connections.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.allowAnyOrigin,
	})
	if err != nil {
		g.logger.Warn("ws accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(id.UserID, g.opts.SendQueueSize)
	client.setState(StateAuthenticated)
	g.serve(r.Context(), conn, client)
}

func (g *Gateway) authenticate(r *http.Request) (auth.Identity, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if h := r.Header.Get("Authorization"); strings.TrimSpace(h) != "" {
		t, err := auth.BearerToken(h)
		if err != nil {
			return auth.Identity{}, err
		}
		token = t
	}
	return g.auth.Authenticate(token)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, client *Client) {
	log := g.logger.ForConnection(client.ID, client.UserID)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g.hub.Register(client)
	client.setState(StateActive)
	log.Debug("ws connected")

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unregister(client)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case f := <-client.Send:
				if err := writeFrame(ctx, conn, f.data, g.opts.WriteTimeout); err != nil {
					log.Info("ws write failed", zap.Error(err))
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.opts.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.opts.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					log.Info("ws ping failed", zap.Int("failures", failures), zap.Error(err))
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
				g.hub.registry.Touch(client.UserID)
			}
		}
	}()

	rl := NewRateLimiter(g.opts.RateEvents, g.opts.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.opts.ReadIdleTimeout)
		data, err := readFrame(readCtx, conn)
		readCancel()
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "idle")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				log.Info("ws read failed", zap.Error(err))
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(time.Now()) {
			g.hub.SendToClient(client, events.ErrorEvent{Code: "rate_limited", Message: "too many events"})
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		in, err := events.DecodeInbound(data)
		if err != nil {
			var de *events.DecodeError
			typ := ""
			if errors.As(err, &de) {
				typ = de.Type
			}
			metrics.RealtimeEventsIn.WithLabelValues("invalid").Inc()
			g.hub.SendToClient(client, events.NewErrorEvent(typ, err))
			continue
		}
		metrics.RealtimeEventsIn.WithLabelValues(in.Type()).Inc()

		// Writes issued for this connection finish even if the peer goes away.
		g.dispatch(context.WithoutCancel(ctx), client, in)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	log.Debug("ws disconnected")
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, in events.Inbound) {
	if client.State() != StateActive {
		return
	}

	switch ev := in.(type) {
	case events.SendMessage:
		res, err := g.messages.Send(ctx, service.SendInput{
			SenderID:       client.UserID,
			ReceiverID:     ev.ReceiverID,
			ConversationID: ev.ConversationID,
			AdvertID:       ev.AdvertID,
			Content:        ev.Content,
			MessageType:    ev.MessageType,
			ClientMsgID:    ev.ClientMsgID,
			Path:           service.PathRealtime,
		})
		if err != nil {
			g.reportError(client, ev.Type(), err, ev.ClientMsgID)
			return
		}
		g.hub.SendToClient(client, events.MessageSent{
			MessageID:      res.Message.ID,
			ConversationID: res.Conversation.ID,
			Timestamp:      res.Message.Timestamp,
			Message:        res.Message,
			ClientMsgID:    ev.ClientMsgID,
		})

	case events.MarkMessagesRead:
		if _, err := g.messages.MarkConversationRead(ctx, ev.ConversationID, client.UserID); err != nil {
			g.reportError(client, ev.Type(), err, "")
		}

	case events.TypingStart:
		if err := g.authorizeTyping(ctx, client.UserID, ev.ConversationID, ev.ReceiverID); err != nil {
			g.reportError(client, ev.Type(), err, "")
			return
		}
		g.hub.SendToUser(ev.ReceiverID, events.UserTyping{ConversationID: ev.ConversationID, UserID: client.UserID})

	case events.TypingStop:
		if err := g.authorizeTyping(ctx, client.UserID, ev.ConversationID, ev.ReceiverID); err != nil {
			g.reportError(client, ev.Type(), err, "")
			return
		}
		g.hub.SendToUser(ev.ReceiverID, events.UserStoppedTyping{ConversationID: ev.ConversationID, UserID: client.UserID})

	case events.Ping:
		g.hub.SendToClient(client, events.Pong{})
	}
}

func (g *Gateway) authorizeTyping(ctx context.Context, userID, conversationID, receiverID string) error {
	conv, err := g.conversations.Get(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if receiverID == userID || !conv.HasParticipant(receiverID) {
		return apperr.Validation("receiver is not a participant of this conversation")
	}
	return nil
}

func (g *Gateway) reportError(client *Client, inboundType string, err error, clientMsgID string) {
	ev := events.NewErrorEvent(inboundType, err)
	ev.ClientMsgID = clientMsgID
	g.hub.SendToClient(client, ev)

	log := g.logger.ForConnection(client.ID, client.UserID)
	if service.IsClientError(err) {
		log.Debug("inbound event rejected", logger.Event(inboundType), zap.Error(err))
		return
	}
	log.Warn("inbound event failed", logger.Event(inboundType), zap.Error(err))
}

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, data []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// enforceOrigin admits requests without an Origin header (native clients)
// and browser origins on the allowlist.
func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || g.allowAnyOrigin {
		return nil
	}

	originHost := originHostOnly(origin)
	for _, a := range g.allowedOrigins {
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.Accept host patterns from the allowlist so
// both checks agree.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if h := originHostOnly(a); h != "" {
			seen[h] = struct{}{}
		}
	}
	out := make([]string, 0, 2*len(seen))
	for h := range seen {
		// Accept matches against the origin host including its port.
		out = append(out, h, h+":*")
	}
	sort.Strings(out)
	return out
}

func writeHTTPError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
