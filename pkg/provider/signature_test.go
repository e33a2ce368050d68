package provider

import (
	"testing"
)

func TestSign_IsStableAcrossKeyOrderAndWhitespace(t *testing.T) {
	secret := "whsec_test"
	a := []byte(`{"event_type":"payment_success","transaction_ref":"TXN_AB12CD34EF56","status":"success"}`)
	b := []byte(`{
		"status": "success",
		"transaction_ref": "TXN_AB12CD34EF56",
		"event_type": "payment_success"
	}`)

	sigA, err := Sign(secret, a)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	sigB, err := Sign(secret, b)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if sigA != sigB {
		t.Fatalf("expected identical signatures for equivalent payloads, got %s and %s", sigA, sigB)
	}
}

func TestVerifySignature_RejectsTamperedPayload(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"event_type":"payment_success","transaction_ref":"TXN_AB12CD34EF56"}`)
	sig, err := Sign(secret, payload)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !VerifySignature(secret, payload, sig) {
		t.Fatal("expected valid signature to verify")
	}

	tampered := []byte(`{"event_type":"payment_success","transaction_ref":"TXN_FFFFFFFFFFFF"}`)
	if VerifySignature(secret, tampered, sig) {
		t.Fatal("expected tampered payload to fail verification")
	}
	if VerifySignature("other-secret", payload, sig) {
		t.Fatal("expected wrong secret to fail verification")
	}
	if VerifySignature(secret, payload, "") {
		t.Fatal("expected empty signature to fail verification")
	}
}

func TestPayloadHash_MatchesForEquivalentPayloads(t *testing.T) {
	a := []byte(`{"x":1,"y":2}`)
	b := []byte(` { "y" : 2 , "x" : 1 } `)

	hashA, err := PayloadHash(a)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	hashB, err := PayloadHash(b)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if hashA != hashB {
		t.Fatal("expected equivalent payloads to hash identically")
	}

	hashC, err := PayloadHash([]byte(`{"x":1,"y":3}`))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if hashA == hashC {
		t.Fatal("expected different payloads to hash differently")
	}
}

func TestSign_RejectsInvalidJSON(t *testing.T) {
	if _, err := Sign("secret", []byte(`not json`)); err == nil {
		t.Fatal("expected error for non-JSON payload")
	}
}
