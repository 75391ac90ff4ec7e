package passkeygate

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func TestEnabledReflectsCredentialCount(t *testing.T) {
	g := New("localhost", []string{"http://localhost"}, nil, nil)
	if g.Enabled() {
		t.Error("Enabled() = true with no credentials enrolled")
	}

	g2 := New("localhost", []string{"http://localhost"}, []Credential{{CredentialID: "abc"}}, nil)
	if !g2.Enabled() {
		t.Error("Enabled() = false with a credential enrolled")
	}
}

func TestGenerateChallengeReturns32Bytes(t *testing.T) {
	challenge, err := GenerateChallenge()
	if err != nil {
		t.Fatalf("GenerateChallenge: %v", err)
	}
	if len(challenge) != 32 {
		t.Errorf("len(challenge) = %d, want 32", len(challenge))
	}
}

// signAssertion builds a real ECDSA-over-P256 WebAuthn assertion signature
// so VerifyAssertion can be exercised end to end without a browser.
func signAssertion(t *testing.T, priv *ecdsa.PrivateKey, challenge []byte) (authenticatorData, clientDataJSON, signature []byte) {
	t.Helper()
	clientData, err := json.Marshal(map[string]string{
		"type":      "webauthn.get",
		"challenge": base64.RawURLEncoding.EncodeToString(challenge),
		"origin":    "http://localhost",
	})
	if err != nil {
		t.Fatalf("marshal clientData: %v", err)
	}

	authenticatorData = []byte("fake-rp-id-hash-and-flags-and-counter-bytes")

	cdHash := sha256.Sum256(clientData)
	signedData := append(append([]byte{}, authenticatorData...), cdHash[:]...)
	digest := sha256.Sum256(signedData)

	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return authenticatorData, clientData, sig
}

func rawPublicKey(t *testing.T, priv *ecdsa.PrivateKey) []byte {
	t.Helper()
	raw := make([]byte, 64)
	xBytes := priv.PublicKey.X.FillBytes(make([]byte, 32))
	yBytes := priv.PublicKey.Y.FillBytes(make([]byte, 32))
	copy(raw[:32], xBytes)
	copy(raw[32:], yBytes)
	return raw
}

func TestVerifyAssertionAcceptsValidSignature(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cred := Credential{CredentialID: "cred-1", PublicKey: rawPublicKey(t, priv), Label: "test device"}
	g := New("localhost", []string{"http://localhost"}, []Credential{cred}, nil)

	challenge, _ := GenerateChallenge()
	authData, clientData, sig := signAssertion(t, priv, challenge)

	token, err := g.VerifyAssertion("cred-1", challenge, authData, clientData, sig)
	if err != nil {
		t.Fatalf("VerifyAssertion: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}
	if !g.CheckToken(token) {
		t.Error("CheckToken(token) = false right after issuance")
	}
}

func TestVerifyAssertionRejectsUnknownCredential(t *testing.T) {
	g := New("localhost", []string{"http://localhost"}, nil, nil)
	challenge, _ := GenerateChallenge()
	_, err := g.VerifyAssertion("does-not-exist", challenge, []byte("x"), []byte(`{"type":"webauthn.get","challenge":""}`), []byte("sig"))
	if err == nil {
		t.Error("expected error for unknown credential id")
	}
}

func TestVerifyAssertionRejectsChallengeMismatch(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cred := Credential{CredentialID: "cred-1", PublicKey: rawPublicKey(t, priv)}
	g := New("localhost", []string{"http://localhost"}, []Credential{cred}, nil)

	challenge, _ := GenerateChallenge()
	authData, clientData, sig := signAssertion(t, priv, challenge)

	otherChallenge, _ := GenerateChallenge()
	if _, err := g.VerifyAssertion("cred-1", otherChallenge, authData, clientData, sig); err == nil {
		t.Error("expected challenge mismatch error")
	}
}

func TestCheckTokenExpires(t *testing.T) {
	g := New("localhost", []string{"http://localhost"}, nil, nil)
	g.mu.Lock()
	g.tokens["expired-token"] = tokenEntry{credentialID: "cred-1", issuedAt: time.Now().Add(-tokenTTL - time.Minute)}
	g.mu.Unlock()

	if g.CheckToken("expired-token") {
		t.Error("CheckToken returned true for an expired token")
	}
}

func TestPersistCalledOnNewCredential(t *testing.T) {
	var persisted []Credential
	g := New("localhost", []string{"http://localhost"}, nil, func(c []Credential) { persisted = c })

	g.mu.Lock()
	g.credentials = append(g.credentials, Credential{CredentialID: "new-cred"})
	snapshot := append([]Credential(nil), g.credentials...)
	g.mu.Unlock()
	g.persist(snapshot)

	if len(persisted) != 1 || persisted[0].CredentialID != "new-cred" {
		t.Errorf("persisted = %+v, want one new-cred entry", persisted)
	}
}
