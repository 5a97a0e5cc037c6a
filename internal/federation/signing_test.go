package federation

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nexus-chat/nexus/internal/models"
	"github.com/nexus-chat/nexus/internal/nexuserr"
)

func testKeyPair(t *testing.T) *models.ServerKeyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return &models.ServerKeyPair{
		KeyID:  "ed25519:abcdefghij",
		Seed:   priv.Seed(),
		Public: pub,
	}
}

func TestSignRequest_VerifyRequest_RoundTrip(t *testing.T) {
	kp := testKeyPair(t)
	content := map[string]interface{}{"hello": "world"}

	header, err := SignRequest(kp, "origin.example", "dest.example", "PUT", "/_nexus/federation/v1/send/abc", content)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}

	parsed, err := ParseAuthHeader(header)
	if err != nil {
		t.Fatalf("ParseAuthHeader: %v", err)
	}
	if parsed.Origin != "origin.example" || parsed.KeyID != kp.KeyID {
		t.Fatalf("parsed header = %+v", parsed)
	}

	if err := VerifyRequest(parsed, kp.Public, "dest.example", "put", "/_nexus/federation/v1/send/abc", content); err != nil {
		t.Errorf("VerifyRequest failed on a correctly signed request: %v", err)
	}
}

func TestVerifyRequest_RejectsTamperedContent(t *testing.T) {
	kp := testKeyPair(t)
	content := map[string]interface{}{"hello": "world"}

	header, err := SignRequest(kp, "origin.example", "dest.example", "PUT", "/uri", content)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	parsed, err := ParseAuthHeader(header)
	if err != nil {
		t.Fatalf("ParseAuthHeader: %v", err)
	}

	tampered := map[string]interface{}{"hello": "tampered"}
	err = VerifyRequest(parsed, kp.Public, "dest.example", "PUT", "/uri", tampered)
	if err == nil {
		t.Fatal("expected verification to fail for tampered content")
	}
	var fedErr *nexuserr.Error
	if !errors.As(err, &fedErr) || fedErr.Code != nexuserr.InvalidSignature {
		t.Errorf("expected InvalidSignature error, got %v", err)
	}
}

func TestVerifyRequest_RejectsWrongKey(t *testing.T) {
	kp := testKeyPair(t)
	otherKP := testKeyPair(t)
	content := map[string]interface{}{"a": 1}

	header, _ := SignRequest(kp, "origin.example", "dest.example", "GET", "/uri", content)
	parsed, _ := ParseAuthHeader(header)

	err := VerifyRequest(parsed, otherKP.Public, "dest.example", "GET", "/uri", content)
	if err == nil {
		t.Fatal("expected verification to fail against the wrong public key")
	}
}

func TestParseAuthHeader_RejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"Bearer origin=\"x\"",
		`NexusFederation origin="only-origin"`,
		`NexusFederation key="k",sig="s"`,
	}
	for _, c := range cases {
		if _, err := ParseAuthHeader(c); err == nil {
			t.Errorf("ParseAuthHeader(%q) should have failed", c)
		}
	}
}

func TestCheckClockSkew(t *testing.T) {
	now := time.Now().UTC()
	if err := CheckClockSkew(now.UnixMilli()); err != nil {
		t.Errorf("current timestamp should pass skew check: %v", err)
	}

	stale := now.Add(-time.Hour).UnixMilli()
	if err := CheckClockSkew(stale); err == nil {
		t.Error("hour-old timestamp should fail skew check")
	}

	future := now.Add(time.Hour).UnixMilli()
	if err := CheckClockSkew(future); err == nil {
		t.Error("hour-in-the-future timestamp should fail skew check")
	}
}

func TestSignEvent_VerifyEvent_RoundTrip(t *testing.T) {
	kp := testKeyPair(t)
	content, _ := json.Marshal(map[string]string{"body": "hi"})
	pdu := models.PDU{
		EventID:        "$abc",
		Origin:         "origin.example",
		RoomID:         "!room:origin.example",
		Sender:         "@alice:origin.example",
		OriginServerTS: time.Now().UnixMilli(),
		Type:           "m.room.message",
		Content:        content,
	}

	if err := SignEvent(kp, "origin.example", &pdu); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	if pdu.Hashes["sha256"] == "" {
		t.Fatal("expected a sha256 hash to be set")
	}
	if pdu.Signatures["origin.example"][kp.KeyID] == "" {
		t.Fatal("expected a signature under origin.example/key_id")
	}

	publicKeys := map[string]ed25519.PublicKey{
		"origin.example/" + kp.KeyID: kp.Public,
	}
	if err := VerifyEvent(pdu, publicKeys); err != nil {
		t.Errorf("VerifyEvent failed on a correctly signed event: %v", err)
	}
}

func TestVerifyEvent_RejectsTamperedContent(t *testing.T) {
	kp := testKeyPair(t)
	content, _ := json.Marshal(map[string]string{"body": "hi"})
	pdu := models.PDU{
		EventID: "$abc", Origin: "origin.example", RoomID: "!room:origin.example",
		Sender: "@alice:origin.example", Type: "m.room.message", Content: content,
	}
	if err := SignEvent(kp, "origin.example", &pdu); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}

	pdu.Content = json.RawMessage(`{"body":"tampered"}`)

	publicKeys := map[string]ed25519.PublicKey{"origin.example/" + kp.KeyID: kp.Public}
	if err := VerifyEvent(pdu, publicKeys); err == nil {
		t.Error("expected VerifyEvent to fail after content was tampered with")
	}
}

func TestVerifyEvent_NoKnownKeyFails(t *testing.T) {
	kp := testKeyPair(t)
	content, _ := json.Marshal(map[string]string{"body": "hi"})
	pdu := models.PDU{
		EventID: "$abc", Origin: "origin.example", RoomID: "!room:origin.example",
		Sender: "@alice:origin.example", Type: "m.room.message", Content: content,
	}
	if err := SignEvent(kp, "origin.example", &pdu); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}

	if err := VerifyEvent(pdu, map[string]ed25519.PublicKey{}); err == nil {
		t.Error("expected VerifyEvent to fail with no known public keys")
	}
}
