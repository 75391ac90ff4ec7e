// Package passkeygate implements PasskeyGate: an optional WebAuthn device
// allowlist gating session creation and the supervisor-mode socket,
// layered in front of (not instead of) the X-Laptop-Auth-Key check.
package passkeygate

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Credential is one allowlisted device, keyed by its WebAuthn credential
// ID. PublicKey is the raw 64-byte P-256 point (X||Y), extracted once at
// registration time so ongoing assertions can be checked without the full
// webauthn library's credential-lookup machinery.
type Credential struct {
	CredentialID string // base64 RawURLEncoding
	PublicKey    []byte
	Label        string
	AddedAt      time.Time
}

// tokenTTL bounds how long a successful assertion's auth token is trusted
// before a fresh challenge/response is required again.
const tokenTTL = 30 * time.Minute

// PersistFunc is called whenever the credential allowlist changes, so the
// caller can write it back into the user config file.
type PersistFunc func(credentials []Credential)

// Gate holds the device allowlist and in-flight registration/assertion
// state. It is safe for concurrent use.
type Gate struct {
	RPID      string
	RPOrigins []string

	mu          sync.Mutex
	credentials []Credential
	regSessions map[string]*webauthn.SessionData

	tokens  map[string]tokenEntry
	persist PersistFunc
}

type tokenEntry struct {
	credentialID string
	issuedAt     time.Time
}

// New returns a Gate seeded with an existing allowlist (may be empty).
func New(rpID string, rpOrigins []string, credentials []Credential, persist PersistFunc) *Gate {
	return &Gate{
		RPID:        rpID,
		RPOrigins:   rpOrigins,
		credentials: append([]Credential(nil), credentials...),
		regSessions: make(map[string]*webauthn.SessionData),
		tokens:      make(map[string]tokenEntry),
		persist:     persist,
	}
}

// Enabled reports whether any credential is registered; PasskeyGate only
// blocks requests once at least one device has been enrolled.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.credentials) > 0
}

// gateOwner is the single synthetic WebAuthn user identity this laptop
// presents during registration; there is exactly one "account".
type gateOwner struct{}

func (gateOwner) WebAuthnID() []byte                         { return []byte("echoshell-laptop") }
func (gateOwner) WebAuthnName() string                       { return "echoshell" }
func (gateOwner) WebAuthnDisplayName() string                { return "echoshell laptop" }
func (gateOwner) WebAuthnCredentials() []webauthn.Credential  { return nil }

func (g *Gate) newWebAuthn() (*webauthn.WebAuthn, error) {
	return webauthn.New(&webauthn.Config{
		RPDisplayName: "echoshell",
		RPID:          g.RPID,
		RPOrigins:     g.RPOrigins,
	})
}

// BeginRegistration starts a WebAuthn registration ceremony for a new
// device; registrantID correlates Begin with the matching Finish call
// (e.g. a short-lived browser session id).
func (g *Gate) BeginRegistration(registrantID string) (*protocol.CredentialCreation, error) {
	wa, err := g.newWebAuthn()
	if err != nil {
		return nil, fmt.Errorf("webauthn init: %w", err)
	}
	options, session, err := wa.BeginRegistration(gateOwner{},
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementDiscouraged),
	)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}

	g.mu.Lock()
	g.regSessions[registrantID] = session
	g.mu.Unlock()
	return options, nil
}

// FinishRegistration completes a registration ceremony, extracting the raw
// P-256 public key from the COSE-encoded credential and adding it to the
// allowlist.
func (g *Gate) FinishRegistration(registrantID, label string, r *http.Request) (Credential, error) {
	wa, err := g.newWebAuthn()
	if err != nil {
		return Credential{}, fmt.Errorf("webauthn init: %w", err)
	}

	g.mu.Lock()
	session, ok := g.regSessions[registrantID]
	delete(g.regSessions, registrantID)
	g.mu.Unlock()
	if !ok {
		return Credential{}, errors.New("no registration in progress")
	}

	credential, err := wa.FinishRegistration(gateOwner{}, *session, r)
	if err != nil {
		return Credential{}, fmt.Errorf("finish registration: %w", err)
	}

	rawKey, err := extractRawP256Key(credential.PublicKey)
	if err != nil {
		return Credential{}, fmt.Errorf("extract public key: %w", err)
	}

	entry := Credential{
		CredentialID: base64.RawURLEncoding.EncodeToString(credential.ID),
		PublicKey:    rawKey,
		Label:        label,
		AddedAt:      time.Now(),
	}

	g.mu.Lock()
	g.credentials = append(g.credentials, entry)
	snapshot := append([]Credential(nil), g.credentials...)
	g.mu.Unlock()

	if g.persist != nil {
		g.persist(snapshot)
	}
	return entry, nil
}

// extractRawP256Key extracts the raw 64-byte P-256 public key (X||Y) from
// COSE-encoded key bytes.
func extractRawP256Key(coseKey []byte) ([]byte, error) {
	parsed, err := webauthncose.ParsePublicKey(coseKey)
	if err != nil {
		return nil, err
	}
	ec2, ok := parsed.(webauthncose.EC2PublicKeyData)
	if !ok {
		return nil, errors.New("not an EC2 key")
	}
	if len(ec2.XCoord) != 32 || len(ec2.YCoord) != 32 {
		return nil, errors.New("unexpected coordinate length")
	}
	raw := make([]byte, 64)
	copy(raw[:32], ec2.XCoord)
	copy(raw[32:], ec2.YCoord)
	return raw, nil
}

// GenerateChallenge returns 32 random bytes for an assertion challenge.
func GenerateChallenge() ([]byte, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	return b, err
}

// VerifyAssertion checks a device's raw WebAuthn assertion — issued for a
// previously generated challenge — against its enrolled public key, and on
// success mints a short-lived auth token. This bypasses the webauthn
// library's own assertion verification (which expects a full relay-style
// session store) in favor of a direct ECDSA-over-P256 check against the
// enrolled raw public key.
func (g *Gate) VerifyAssertion(credentialID string, challenge, authenticatorData, clientDataJSON, signature []byte) (token string, err error) {
	g.mu.Lock()
	var pubKey []byte
	for _, c := range g.credentials {
		if c.CredentialID == credentialID {
			pubKey = c.PublicKey
			break
		}
	}
	g.mu.Unlock()
	if pubKey == nil {
		return "", errors.New("unknown credential id")
	}

	if err := verifyAssertionSignature(pubKey, challenge, authenticatorData, clientDataJSON, signature); err != nil {
		return "", err
	}

	tok, err := randomHexToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	g.mu.Lock()
	g.tokens[tok] = tokenEntry{credentialID: credentialID, issuedAt: time.Now()}
	g.mu.Unlock()
	return tok, nil
}

// CheckToken reports whether token was issued by a successful assertion
// and has not yet expired.
func (g *Gate) CheckToken(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.tokens[token]
	if !ok {
		return false
	}
	if time.Since(entry.issuedAt) > tokenTTL {
		delete(g.tokens, token)
		return false
	}
	return true
}

func randomHexToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// verifyAssertionSignature verifies a WebAuthn assertion using a raw P-256
// public key (64 bytes: X||Y).
func verifyAssertionSignature(allowedKey, challenge, authenticatorData, clientDataJSON, signature []byte) error {
	var cd struct {
		Challenge string `json:"challenge"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(clientDataJSON, &cd); err != nil {
		return errors.New("invalid clientDataJSON")
	}
	if cd.Type != "webauthn.get" {
		return errors.New("wrong type: expected webauthn.get")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cd.Challenge)
	if err != nil {
		return errors.New("invalid challenge encoding")
	}
	if !bytes.Equal(decoded, challenge) {
		return errors.New("challenge mismatch")
	}

	cdHash := sha256.Sum256(clientDataJSON)
	signedData := make([]byte, len(authenticatorData)+len(cdHash))
	copy(signedData, authenticatorData)
	copy(signedData[len(authenticatorData):], cdHash[:])
	digest := sha256.Sum256(signedData)

	if len(allowedKey) != 64 {
		return errors.New("invalid key length: expected 64 bytes")
	}
	pubKey := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(allowedKey[:32]),
		Y:     new(big.Int).SetBytes(allowedKey[32:]),
	}

	if !ecdsa.VerifyASN1(pubKey, digest[:], signature) {
		return errors.New("invalid passkey signature")
	}
	return nil
}
