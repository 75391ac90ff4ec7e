package keys

import (
	"strings"
	"testing"
	"time"
)

func TestIssueThenVerifySTT(t *testing.T) {
	iss, stop := NewIssuer("whisper", "elevenlabs", Config{BaseURL: "http://localhost:8420"}, "/proxy/stt/transcribe", "/proxy/tts/synthesize")
	defer stop()

	res, err := iss.Issue("device-1", 3600, []Permission{PermSTT, PermTTS})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if strings.Count(res.STTKey, ".") != 2 || strings.Count(res.TTSKey, ".") != 2 {
		t.Errorf("expected header.payload.signature JWTs, got sttKey=%q ttsKey=%q", res.STTKey, res.TTSKey)
	}
	if res.STTKey == res.TTSKey {
		t.Error("STT and TTS keys must differ")
	}

	deviceID, ok := iss.VerifySTT(res.STTKey)
	if !ok || deviceID != "device-1" {
		t.Errorf("VerifySTT() = (%q, %v), want (device-1, true)", deviceID, ok)
	}
}

func TestIssueOverwritesPriorKey(t *testing.T) {
	iss, stop := NewIssuer("whisper", "elevenlabs", Config{}, "", "")
	defer stop()

	first, _ := iss.Issue("device-1", 3600, []Permission{PermSTT})
	iss.Issue("device-1", 3600, []Permission{PermSTT})

	if _, ok := iss.VerifySTT(first.STTKey); ok {
		t.Error("expected prior key to be implicitly revoked by re-issue")
	}
}

func TestVerifyRejectsExpiredKey(t *testing.T) {
	iss, stop := NewIssuer("whisper", "elevenlabs", Config{}, "", "")
	defer stop()

	res, _ := iss.Issue("device-1", 0, []Permission{PermSTT})
	time.Sleep(5 * time.Millisecond)

	if _, ok := iss.VerifySTT(res.STTKey); ok {
		t.Error("expected expired key to be rejected")
	}
}

func TestVerifyRejectsMissingPermission(t *testing.T) {
	iss, stop := NewIssuer("whisper", "elevenlabs", Config{}, "", "")
	defer stop()

	res, _ := iss.Issue("device-1", 3600, []Permission{PermSTT})
	if _, ok := iss.VerifyTTS(res.TTSKey); ok {
		t.Error("expected TTS verification to fail when only STT permission was granted")
	}
}

func TestRevokeRemovesKey(t *testing.T) {
	iss, stop := NewIssuer("whisper", "elevenlabs", Config{}, "", "")
	defer stop()

	res, _ := iss.Issue("device-1", 3600, []Permission{PermSTT})
	iss.Revoke("device-1")

	if _, ok := iss.VerifySTT(res.STTKey); ok {
		t.Error("expected revoked key to fail verification")
	}
}

func TestRefreshExtendsExpiry(t *testing.T) {
	iss, stop := NewIssuer("whisper", "elevenlabs", Config{}, "", "")
	defer stop()

	res, _ := iss.Issue("device-1", 1, []Permission{PermSTT})
	if err := iss.Refresh("device-1", 3600); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)

	if _, ok := iss.VerifySTT(res.STTKey); !ok {
		t.Error("expected refreshed key to still verify past its original expiry")
	}
}
