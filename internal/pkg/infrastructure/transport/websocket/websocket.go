// Package websocket implements the feature-flagged streaming ingestion
// protocol: connect/connected handshake, data batches answered
// with acks, backpressure signalling, clean disconnect. The IoT domain is
// excluded; devices use /ingest/packets.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/diwise/ingest-gateway/internal/pkg/application/pipeline"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/authz"
	"github.com/diwise/ingest-gateway/pkg/types"
)

const (
	// DefaultPendingLimit is the number of in-flight data points above
	// which the server answers backpressure instead of ack.
	DefaultPendingLimit = 100

	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	maxTimestampSkewFuture = 5 * time.Minute
	maxTimestampAge        = 24 * time.Hour
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authorizer decides whether an authenticated API key may write to
// (sourceID, domain); authz.RegoAuthorizer satisfies this.
type Authorizer interface {
	Authorize(ctx context.Context, info authz.ApiKeyInfo, sourceID, domain string) error
}

type staticAuthorizer struct{}

func (staticAuthorizer) Authorize(_ context.Context, info authz.ApiKeyInfo, sourceID, domain string) error {
	return authz.Authorize(info, sourceID, domain)
}

type Handler struct {
	pipeline     *pipeline.Pipeline
	auth         *authz.Authenticator
	authorizer   Authorizer
	logger       zerolog.Logger
	pendingLimit int
}

func New(p *pipeline.Pipeline, auth *authz.Authenticator, logger zerolog.Logger) *Handler {
	return &Handler{
		pipeline:     p,
		auth:         auth,
		authorizer:   staticAuthorizer{},
		logger:       logger,
		pendingLimit: DefaultPendingLimit,
	}
}

func (h *Handler) WithPendingLimit(n int) *Handler {
	h.pendingLimit = n
	return h
}

func (h *Handler) WithAuthorizer(a Authorizer) *Handler {
	h.authorizer = a
	return h
}

type clientMessage struct {
	Type string `json:"type"`

	// connect
	SourceID string `json:"source_id,omitempty"`
	Domain   string `json:"domain,omitempty"`
	APIKey   string `json:"api_key,omitempty"`

	// data
	Batch []batchItem `json:"batch,omitempty"`
}

type batchItem struct {
	StreamID  string         `json:"stream_id"`
	Value     float64        `json:"value"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Sequence  *int64         `json:"sequence,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type rejectedItem struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason"`
}

type serverMessage struct {
	Type string `json:"type"`

	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`

	SequenceUpTo *int64         `json:"sequence_up_to,omitempty"`
	Rejected     []rejectedItem `json:"rejected,omitempty"`
	Processed    *int           `json:"processed,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	session, ok := h.handshake(r, conn)
	if !ok {
		return
	}

	log := h.logger.With().
		Str("session", session.id).
		Str("domain", session.domain).
		Str("source", session.sourceID).
		Logger()
	log.Info().Msg("websocket session established")

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "data":
			h.handleData(r, conn, session, msg.Batch, log)
		case "disconnect":
			_ = h.writeControl(conn, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		default:
			h.writeJSON(conn, serverMessage{Type: "error", Error: "unexpected message type " + msg.Type})
		}
	}
}

type sessionInfo struct {
	id       string
	domain   string
	sourceID string
}

// handshake performs step 1-2 of the protocol: the first client message
// must be connect, carrying the api key and the domain/source the session
// will write to.
func (h *Handler) handshake(r *http.Request, conn *websocket.Conn) (sessionInfo, bool) {
	var msg clientMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return sessionInfo{}, false
	}

	reject := func(reason string) (sessionInfo, bool) {
		h.writeJSON(conn, serverMessage{Type: "error", Error: reason})
		return sessionInfo{}, false
	}

	if msg.Type != "connect" {
		return reject("expected connect message")
	}
	if msg.Domain == "iot" {
		return reject("domain iot is not supported over websocket")
	}
	if msg.Domain == "" || msg.SourceID == "" {
		return reject("domain and source_id are required")
	}

	info, err := h.auth.AuthenticateAPIKey(r.Context(), msg.APIKey)
	if err != nil {
		return reject(err.Error())
	}
	if err := h.authorizer.Authorize(r.Context(), info, msg.SourceID, msg.Domain); err != nil {
		return reject(err.Error())
	}

	session := sessionInfo{id: uuid.NewString(), domain: msg.Domain, sourceID: msg.SourceID}
	h.writeJSON(conn, serverMessage{Type: "connected", SessionID: session.id})
	return session, true
}

func (h *Handler) handleData(r *http.Request, conn *websocket.Conn, session sessionInfo, batch []batchItem, log zerolog.Logger) {
	if len(batch) > h.pendingLimit {
		h.writeJSON(conn, serverMessage{Type: "backpressure"})
		return
	}

	processed := 0
	rejected := make([]rejectedItem, 0)
	var sequenceUpTo *int64

	for _, item := range batch {
		o := types.Observation{
			SeriesID: types.SeriesID{Domain: session.domain, Source: session.sourceID, Stream: item.StreamID},
			Value:    item.Value,
			DeviceTS: normalize(item.Timestamp),
			IngestTS: time.Now().UTC(),
			Sequence: item.Sequence,
			Metadata: item.Metadata,
		}

		if err := validate(o); err != nil {
			rejected = append(rejected, rejectedItem{StreamID: item.StreamID, Reason: err.Error()})
			continue
		}

		res := h.pipeline.Ingest(r.Context(), o, pipeline.RateLimitKeys{IP: r.RemoteAddr, Sensor: o.Key()})
		if res.RateLimited {
			rejected = append(rejected, rejectedItem{StreamID: item.StreamID, Reason: "rate limit exceeded"})
			continue
		}
		if res.Err != nil && !res.Duplicate {
			log.Warn().Err(res.Err).Str("stream", item.StreamID).Msg("websocket data point rejected")
			rejected = append(rejected, rejectedItem{StreamID: item.StreamID, Reason: "ingest failed"})
			continue
		}

		processed++
		if item.Sequence != nil && (sequenceUpTo == nil || *item.Sequence > *sequenceUpTo) {
			sequenceUpTo = item.Sequence
		}
	}

	h.writeJSON(conn, serverMessage{
		Type:         "ack",
		SequenceUpTo: sequenceUpTo,
		Rejected:     rejected,
		Processed:    &processed,
	})
}

func (h *Handler) writeJSON(conn *websocket.Conn, msg serverMessage) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn().Err(err).Msg("websocket write failed")
	}
}

func (h *Handler) writeControl(conn *websocket.Conn, payload []byte) error {
	return conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(writeWait))
}

func normalize(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	t := ts.UTC()
	return &t
}

func validate(o types.Observation) error {
	if o.DeviceTS == nil {
		return nil
	}
	now := time.Now().UTC()
	if o.DeviceTS.Before(now.Add(-maxTimestampAge)) || o.DeviceTS.After(now.Add(maxTimestampSkewFuture)) {
		return errTimestampWindow
	}
	return nil
}

var errTimestampWindow = errors.New("timestamp outside allowed window")
