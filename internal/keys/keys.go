// Package keys issues and tracks device-scoped ephemeral STT/TTS keys.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// deviceClaims are the JWT claims embedded in a minted STT/TTS key: the
// token is self-describing, so verification never needs a linear scan to
// find which device presented it, mirroring how relay's own WingClaims
// carry identity in the token rather than a side index.
type deviceClaims struct {
	jwt.RegisteredClaims
	DeviceID   string     `json:"device_id"`
	Permission Permission `json:"perm"`
}

// Permission is one of the two capabilities an EphemeralKey may grant.
type Permission string

const (
	PermSTT Permission = "stt"
	PermTTS Permission = "tts"
)

// Key is the in-memory record for one device's active ephemeral key.
type Key struct {
	DeviceID    string
	STTKey      string
	TTSKey      string
	STTProvider string
	TTSProvider string
	Permissions []Permission
	IssuedAt    time.Time
	ExpiresAt   time.Time
	RefCount    int
}

// Config is the upstream provider configuration echoed back to the caller
// so it knows how to reach this laptop's proxy for STT/TTS.
type Config struct {
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model,omitempty"`
	Voice   string `json:"voice,omitempty"`
}

// Issuer mints, refreshes, revokes, and sweeps ephemeral keys.
type Issuer struct {
	STTProvider string
	TTSProvider string
	ProxyConfig Config
	SttEndpoint string
	TtsEndpoint string

	secret []byte // HMAC-SHA256 signing key for minted JWTs, process-local

	mu   sync.Mutex
	keys map[string]*Key
}

// NewIssuer returns an Issuer and starts its 60s expiry sweep. Stop the
// returned stop function during shutdown.
func NewIssuer(sttProvider, ttsProvider string, cfg Config, sttEndpoint, ttsEndpoint string) (*Issuer, func()) {
	secret, err := deriveSigningSecret()
	if err != nil {
		// crypto/rand failing is unrecoverable; a zero secret would sign
		// tokens nobody should trust, so panic rather than issue them.
		panic(fmt.Sprintf("keys: generate signing secret: %v", err))
	}
	iss := &Issuer{
		STTProvider: sttProvider,
		TTSProvider: ttsProvider,
		ProxyConfig: cfg,
		SttEndpoint: sttEndpoint,
		TtsEndpoint: ttsEndpoint,
		secret:      secret,
		keys:        make(map[string]*Key),
	}
	stopCh := make(chan struct{})
	go iss.sweepLoop(stopCh)
	return iss, func() { close(stopCh) }
}

// deriveSigningSecret expands a fresh random seed through HKDF-SHA256, so
// the signing key is never the raw output of crypto/rand directly.
func deriveSigningSecret() ([]byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	salt := make([]byte, 32)
	kdf := hkdf.New(sha256.New, seed, salt, []byte("echoshell-key-issuer-hmac"))
	out := make([]byte, 32)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

func (iss *Issuer) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			iss.sweep()
		}
	}
}

func (iss *Issuer) sweep() {
	now := time.Now()
	iss.mu.Lock()
	defer iss.mu.Unlock()
	for deviceID, k := range iss.keys {
		if now.After(k.ExpiresAt) {
			delete(iss.keys, deviceID)
		}
	}
}

// IssueResult is the response shape for issue(). Field names on the wire
// follow the client-facing convention (camelCase keys, expires_in the one
// literal exception) rather than Go's own struct-field casing.
type IssueResult struct {
	STTKey      string       `json:"sttKey"`
	TTSKey      string       `json:"ttsKey"`
	STTProvider string       `json:"sttProvider"`
	TTSProvider string       `json:"ttsProvider"`
	STTEndpoint string       `json:"sttEndpoint"`
	TTSEndpoint string       `json:"ttsEndpoint"`
	Config      Config       `json:"config"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	ExpiresIn   int          `json:"expires_in"`
	Permissions []Permission `json:"permissions"`
}

// Issue mints a new key for deviceId, overwriting (implicitly revoking) any
// prior key for that device.
func (iss *Issuer) Issue(deviceID string, durationSeconds int, permissions []Permission) (IssueResult, error) {
	now := time.Now()
	expiresAt := now.Add(time.Duration(durationSeconds) * time.Second)

	sttKey, err := iss.sign(deviceID, PermSTT, now, expiresAt)
	if err != nil {
		return IssueResult{}, fmt.Errorf("sign stt key: %w", err)
	}
	ttsKey, err := iss.sign(deviceID, PermTTS, now, expiresAt)
	if err != nil {
		return IssueResult{}, fmt.Errorf("sign tts key: %w", err)
	}
	k := &Key{
		DeviceID:    deviceID,
		STTKey:      sttKey,
		TTSKey:      ttsKey,
		STTProvider: iss.STTProvider,
		TTSProvider: iss.TTSProvider,
		Permissions: permissions,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}

	iss.mu.Lock()
	iss.keys[deviceID] = k
	iss.mu.Unlock()

	return IssueResult{
		STTKey:      sttKey,
		TTSKey:      ttsKey,
		STTProvider: iss.STTProvider,
		TTSProvider: iss.TTSProvider,
		STTEndpoint: iss.SttEndpoint,
		TTSEndpoint: iss.TtsEndpoint,
		Config:      iss.ProxyConfig,
		ExpiresAt:   expiresAt,
		ExpiresIn:   durationSeconds,
		Permissions: permissions,
	}, nil
}

// sign mints an HS256 JWT embedding deviceID and perm as claims.
func (iss *Issuer) sign(deviceID string, perm Permission, issuedAt, expiresAt time.Time) (string, error) {
	claims := deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		DeviceID:   deviceID,
		Permission: perm,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(iss.secret)
}

// Refresh extends a device's key expiry by durationSeconds from now.
func (iss *Issuer) Refresh(deviceID string, durationSeconds int) error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	k, ok := iss.keys[deviceID]
	if !ok {
		return fmt.Errorf("no active key for device %s", deviceID)
	}
	k.ExpiresAt = time.Now().Add(time.Duration(durationSeconds) * time.Second)
	return nil
}

// Revoke immediately removes a device's key.
func (iss *Issuer) Revoke(deviceID string) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	delete(iss.keys, deviceID)
}

// VerifySTT reports whether presented is the live, unexpired STT key for
// some device, returning that device's id.
func (iss *Issuer) VerifySTT(presented string) (deviceID string, ok bool) {
	return iss.verify(presented, func(k *Key) string { return k.STTKey }, PermSTT)
}

// VerifyTTS reports whether presented is the live, unexpired TTS key for
// some device, returning that device's id.
func (iss *Issuer) VerifyTTS(presented string) (deviceID string, ok bool) {
	return iss.verify(presented, func(k *Key) string { return k.TTSKey }, PermTTS)
}

// verify checks presented's signature and permission claim, then confirms
// against the live record for the device the token names — a token whose
// signature is valid but whose device was since revoked or refreshed to a
// different value fails here, not just on signature. Expiry is judged by
// the live record's ExpiresAt, not the token's exp claim, so Refresh takes
// effect without re-minting the token.
func (iss *Issuer) verify(presented string, pick func(*Key) string, required Permission) (string, bool) {
	if presented == "" {
		return "", false
	}
	var claims deviceClaims
	_, err := jwt.ParseWithClaims(presented, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return iss.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || claims.Permission != required {
		return "", false
	}

	iss.mu.Lock()
	defer iss.mu.Unlock()
	k, ok := iss.keys[claims.DeviceID]
	if !ok || pick(k) != presented {
		return "", false
	}
	if time.Now().After(k.ExpiresAt) {
		return "", false
	}
	if !hasPermission(k.Permissions, required) {
		return "", false
	}
	return claims.DeviceID, true
}

func hasPermission(perms []Permission, want Permission) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}
