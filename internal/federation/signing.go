package federation

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-chat/nexus/internal/models"
	"github.com/nexus-chat/nexus/internal/nexuserr"
)

// MaxClockSkew is the maximum tolerated divergence between a signed
// request's embedded timestamp and the local clock.
const MaxClockSkew = 30 * time.Second

// AuthScheme is the HTTP Authorization scheme for signed federation requests.
const AuthScheme = "NexusFederation"

// SigningObject is the canonical object signed for outbound requests and
// verified for inbound ones.
type SigningObject struct {
	Method      string      `json:"method"`
	URI         string      `json:"uri"`
	Origin      string      `json:"origin"`
	Destination string      `json:"destination"`
	Content     interface{} `json:"content,omitempty"`
}

func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// SignRequest produces the signature and Authorization header value for an
// outbound signed federation request.
func SignRequest(kp *models.ServerKeyPair, origin, destination, method, uri string, content interface{}) (headerValue string, err error) {
	obj := SigningObject{
		Method:      strings.ToUpper(method),
		URI:         uri,
		Origin:      origin,
		Destination: destination,
		Content:     content,
	}
	canon, err := CanonicalJSON(obj)
	if err != nil {
		return "", fmt.Errorf("canonicalizing signing object: %w", err)
	}

	sig := ed25519.Sign(kp.Private(), canon)
	header := fmt.Sprintf(`%s origin="%s",key="%s",sig="%s"`,
		AuthScheme, origin, kp.KeyID, base64URLEncode(sig))
	return header, nil
}

// ParsedAuthHeader is the decoded form of a `NexusFederation ...` header.
type ParsedAuthHeader struct {
	Origin string
	KeyID  string
	Sig    string
}

// ParseAuthHeader parses `NexusFederation origin="…",key="…",sig="…"`.
// Returns a MalformedAuthHeader error on any structural problem.
func ParseAuthHeader(header string) (*ParsedAuthHeader, error) {
	header = strings.TrimSpace(header)
	prefix := AuthScheme + " "
	if !strings.HasPrefix(header, prefix) {
		return nil, nexuserr.New(nexuserr.MalformedAuthHeader, "missing NexusFederation scheme")
	}
	rest := strings.TrimPrefix(header, prefix)

	fields := map[string]string{}
	for _, part := range splitAuthFields(rest) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, nexuserr.New(nexuserr.MalformedAuthHeader, "malformed auth field: "+part)
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(kv[1], `"`)
		fields[key] = val
	}

	parsed := &ParsedAuthHeader{
		Origin: fields["origin"],
		KeyID:  fields["key"],
		Sig:    fields["sig"],
	}
	if parsed.Origin == "" || parsed.KeyID == "" || parsed.Sig == "" {
		return nil, nexuserr.New(nexuserr.MalformedAuthHeader, "missing origin, key, or sig")
	}
	return parsed, nil
}

// splitAuthFields splits a comma-separated `k="v"` list, respecting quotes
// (commas never appear inside our field values, but this stays defensive
// against naive string.Split on `,`).
func splitAuthFields(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

// VerifyRequest reconstructs the signing object from the locally-known
// destination and the request's actual method/uri/content, then verifies
// the signature against originPublicKey. Returns InvalidSignature on any
// mismatch or decode failure.
func VerifyRequest(header *ParsedAuthHeader, originPublicKey ed25519.PublicKey, destination, method, uri string, content interface{}) error {
	obj := SigningObject{
		Method:      strings.ToUpper(method),
		URI:         uri,
		Origin:      header.Origin,
		Destination: destination,
		Content:     content,
	}
	canon, err := CanonicalJSON(obj)
	if err != nil {
		return fmt.Errorf("canonicalizing signing object: %w", err)
	}

	sig, err := base64URLDecode(header.Sig)
	if err != nil {
		return nexuserr.New(nexuserr.InvalidSignature, "signature is not valid base64url")
	}
	if !ed25519.Verify(originPublicKey, canon, sig) {
		return nexuserr.New(nexuserr.InvalidSignature, "signature verification failed")
	}
	return nil
}

// CheckClockSkew validates that originServerTSMs is within MaxClockSkew of
// the local clock.
func CheckClockSkew(originServerTSMs int64) error {
	now := time.Now().UTC()
	skew := now.Sub(time.UnixMilli(originServerTSMs))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return nexuserr.New(nexuserr.ClockSkew, fmt.Sprintf("timestamp skew %s exceeds %s", skew, MaxClockSkew))
	}
	return nil
}

// SignEvent signs a PDU in place: computes a copy with signatures/hashes
// removed, canonicalizes it, signs the canonical bytes, and inserts the
// signature under signatures[serverName][key_id] and the SHA-256 content
// hash under hashes.sha256.
func SignEvent(kp *models.ServerKeyPair, serverName string, pdu *models.PDU) error {
	unsigned := *pdu
	unsigned.Signatures = nil
	unsigned.Hashes = nil

	canon, err := CanonicalJSON(unsigned)
	if err != nil {
		return fmt.Errorf("canonicalizing event: %w", err)
	}

	sig := ed25519.Sign(kp.Private(), canon)
	hash := sha256.Sum256(canon)

	if pdu.Signatures == nil {
		pdu.Signatures = map[string]map[string]string{}
	}
	if pdu.Signatures[serverName] == nil {
		pdu.Signatures[serverName] = map[string]string{}
	}
	pdu.Signatures[serverName][kp.KeyID] = base64URLEncode(sig)

	if pdu.Hashes == nil {
		pdu.Hashes = map[string]string{}
	}
	pdu.Hashes["sha256"] = base64URLEncode(hash[:])
	return nil
}

// VerifyEvent checks that the event's content hash matches its canonical
// form and that at least one signature verifies under a known public key
// for its claimed signer. publicKeys maps "server/key_id" to the verify key.
func VerifyEvent(pdu models.PDU, publicKeys map[string]ed25519.PublicKey) error {
	unsigned := pdu
	unsigned.Signatures = nil
	unsigned.Hashes = nil

	canon, err := CanonicalJSON(unsigned)
	if err != nil {
		return fmt.Errorf("canonicalizing event: %w", err)
	}

	expectedHash := sha256.Sum256(canon)
	gotHash, ok := pdu.Hashes["sha256"]
	if !ok {
		return nexuserr.New(nexuserr.InvalidSignature, "event has no sha256 hash")
	}
	if gotHash != base64URLEncode(expectedHash[:]) {
		return nexuserr.New(nexuserr.InvalidSignature, "event content hash mismatch")
	}

	serverSigs, ok := pdu.Signatures[pdu.Origin]
	if !ok || len(serverSigs) == 0 {
		return nexuserr.New(nexuserr.InvalidSignature, "no signature from claimed origin")
	}
	for keyID, sigB64 := range serverSigs {
		pub, ok := publicKeys[pdu.Origin+"/"+keyID]
		if !ok {
			continue
		}
		sig, err := base64URLDecode(sigB64)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, canon, sig) {
			return nil
		}
	}
	return nexuserr.New(nexuserr.InvalidSignature, "no signature verified against a known key")
}
