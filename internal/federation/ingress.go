package federation

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexus-chat/nexus/internal/eventbus"
	"github.com/nexus-chat/nexus/internal/metrics"
	"github.com/nexus-chat/nexus/internal/models"
	"github.com/nexus-chat/nexus/internal/nexuserr"
)

// Ingress validates inbound signed federation requests and ingests
// transactions, persisting surviving PDUs and republishing both PDUs and
// EDUs onto the local Event Bus.
type Ingress struct {
	origin string
	client *Client
	pool   *pgxpool.Pool
	bus    *eventbus.Bus
	logger *slog.Logger
	clock  *HLC
}

// NewIngress creates an Ingress for the given local origin.
func NewIngress(origin string, client *Client, pool *pgxpool.Pool, bus *eventbus.Bus, logger *slog.Logger) *Ingress {
	return &Ingress{origin: origin, client: client, pool: pool, bus: bus, logger: logger, clock: NewHLC()}
}

// VerifyInbound extracts and parses the Authorization header, fetches the
// origin's verify key (cached), verifies the signature against the
// reconstructed canonical signing object, and enforces the clock-skew
// bound. bodiedTSMs is the origin_server_ts_ms embedded in the request
// content, or 0 for bodiless requests, in which case reqTimestampMs (from
// the required X-Nexus-Timestamp header) is used instead.
func (in *Ingress) VerifyInbound(ctx context.Context, r *http.Request, content interface{}, bodiedTSMs int64, reqTimestampMs int64) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nexuserr.New(nexuserr.MissingAuthHeader, "missing Authorization header")
	}

	parsed, err := ParseAuthHeader(authHeader)
	if err != nil {
		return err
	}

	pub, err := in.client.FetchVerifyKey(ctx, parsed.Origin, parsed.KeyID)
	if err != nil {
		return err
	}

	if err := VerifyRequest(parsed, pub, in.origin, r.Method, r.URL.RequestURI(), content); err != nil {
		return err
	}

	ts := bodiedTSMs
	if ts == 0 {
		ts = reqTimestampMs
	}
	if ts == 0 {
		return nexuserr.New(nexuserr.ClockSkew, "no timestamp available to check clock skew")
	}
	return CheckClockSkew(ts)
}

// Middleware wraps handler with the signed-request check for bodiless
// (GET) federation endpoints, reading the timestamp from the required
// X-Nexus-Timestamp header.
func (in *Ingress) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tsMs int64
		if h := r.Header.Get("X-Nexus-Timestamp"); h != "" {
			if v, err := strconv.ParseInt(h, 10, 64); err == nil {
				tsMs = v
			}
		}
		if err := in.VerifyInbound(r.Context(), r, nil, 0, tsMs); err != nil {
			writeIngressError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ReceiveTransaction handles PUT /_nexus/federation/v1/send/{txn_id}: the
// Authorization check for this endpoint is performed by the caller (since
// it needs the parsed body as signing content); ReceiveTransaction itself
// verifies per-PDU hash/signature, persists survivors, and republishes
// both PDUs and EDUs on the Event Bus. Events failing verification are
// dropped and logged; the rest of the batch still proceeds.
func (in *Ingress) ReceiveTransaction(ctx context.Context, txn models.Transaction) {
	for _, pdu := range txn.PDUs {
		pub, err := in.client.FetchVerifyKey(ctx, pdu.Origin, in.firstKeyID(pdu))
		if err != nil {
			in.logger.Warn("dropping PDU: could not fetch verify key",
				slog.String("event_id", pdu.EventID), slog.String("error", err.Error()))
			continue
		}
		publicKeys := map[string]ed25519.PublicKey{pdu.Origin + "/" + in.firstKeyID(pdu): pub}
		if err := VerifyEvent(pdu, publicKeys); err != nil {
			in.logger.Warn("dropping PDU: verification failed",
				slog.String("event_id", pdu.EventID), slog.String("error", err.Error()))
			continue
		}

		if err := in.persist(ctx, pdu); err != nil {
			in.logger.Error("failed to persist PDU",
				slog.String("event_id", pdu.EventID), slog.String("error", err.Error()))
			continue
		}
		metrics.FederationEventsTotal.Inc()

		// Merge the remote event's wall time into the local clock so
		// events this node publishes afterward causally order after it,
		// even across a batch of PDUs from multiple remote origins.
		stamp := in.clock.Update(HLCTimestamp{WallMs: pdu.OriginServerTS})

		in.bus.Publish(models.GatewayEvent{
			EventType: "FEDERATION_EVENT_RECEIVE",
			Data:      receivedPDU{PDU: pdu, HLC: stamp},
		})
	}

	for _, edu := range txn.EDUs {
		var payload interface{}
		if err := json.Unmarshal(edu, &payload); err != nil {
			in.logger.Warn("dropping malformed EDU", slog.String("error", err.Error()))
			continue
		}
		in.bus.Publish(models.GatewayEvent{
			EventType: "FEDERATION_EDU_RECEIVE",
			Data:      payload,
		})
	}
}

// receivedPDU is what ReceiveTransaction republishes locally: the verified
// PDU plus the local HLC timestamp it was merged against, so gateway
// subscribers can order events received from different federation peers
// consistently with this node's own causal clock.
type receivedPDU struct {
	PDU models.PDU   `json:"pdu"`
	HLC HLCTimestamp `json:"hlc"`
}

// firstKeyID returns the first key_id the event claims a signature under
// for its origin server, used to look up the matching verify key.
func (in *Ingress) firstKeyID(pdu models.PDU) string {
	for keyID := range pdu.Signatures[pdu.Origin] {
		return keyID
	}
	return ""
}

// GetLocalEvent looks up a previously persisted PDU by event ID, for
// serving GET /_nexus/federation/v1/event/{event_id} to other instances.
func (in *Ingress) GetLocalEvent(ctx context.Context, eventID string) (*models.PDU, error) {
	var pdu models.PDU
	var content, sigsJSON, hashesJSON []byte
	var prevJSON []byte
	err := in.pool.QueryRow(ctx,
		`SELECT event_id, room_id, sender, origin, type, content, origin_server_ts_ms, prev_events, signatures, hashes
		 FROM federation_events WHERE event_id = $1`,
		eventID,
	).Scan(&pdu.EventID, &pdu.RoomID, &pdu.Sender, &pdu.Origin, &pdu.Type, &content,
		&pdu.OriginServerTS, &prevJSON, &sigsJSON, &hashesJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	pdu.Content = content
	_ = json.Unmarshal(prevJSON, &pdu.PrevEvents)
	_ = json.Unmarshal(sigsJSON, &pdu.Signatures)
	_ = json.Unmarshal(hashesJSON, &pdu.Hashes)
	return &pdu, nil
}

func (in *Ingress) persist(ctx context.Context, pdu models.PDU) error {
	sigsJSON, _ := json.Marshal(pdu.Signatures)
	hashesJSON, _ := json.Marshal(pdu.Hashes)
	prevJSON, _ := json.Marshal(pdu.PrevEvents)
	_, err := in.pool.Exec(ctx,
		`INSERT INTO federation_events
		   (event_id, room_id, sender, origin, type, content, origin_server_ts_ms, prev_events, signatures, hashes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (event_id) DO NOTHING`,
		pdu.EventID, pdu.RoomID, pdu.Sender, pdu.Origin, pdu.Type, []byte(pdu.Content),
		pdu.OriginServerTS, prevJSON, sigsJSON, hashesJSON,
	)
	return err
}

func writeIngressError(w http.ResponseWriter, err error) {
	code := nexuserr.Internal
	status := http.StatusInternalServerError
	msg := "internal error"

	var nerr *nexuserr.Error
	if errors.As(err, &nerr) {
		code = nerr.Code
		msg = nerr.Message
		switch code {
		case nexuserr.MissingAuthHeader, nexuserr.MalformedAuthHeader:
			status = http.StatusBadRequest
		case nexuserr.InvalidSignature, nexuserr.ClockSkew:
			status = http.StatusUnauthorized
		case nexuserr.KeyNotFound, nexuserr.DiscoveryFailed:
			status = http.StatusBadGateway
		case nexuserr.NotFound:
			status = http.StatusNotFound
		case nexuserr.Unsupported:
			status = http.StatusNotImplemented
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": string(code), "message": msg},
	})
}
