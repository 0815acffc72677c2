package credential

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

const (
	testMasterKeyB64 = "dGVzdC1tYXN0ZXIta2V5" // "test-master-key"
	testDeviceID     = "tag-001"
)

func TestDerive_KnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	got := Derive([]byte("Jefe"), "what do ya want for nothing?")
	want := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if hex.EncodeToString(got) != want {
		t.Errorf("Derive() = %x, want %s", got, want)
	}
}

func TestDeriveFromBase64(t *testing.T) {
	got, err := DeriveFromBase64(testMasterKeyB64, testDeviceID)
	if err != nil {
		t.Fatalf("DeriveFromBase64() error = %v", err)
	}
	if want := "RBbLUvEVDe0q9dntyd7Z4/KrQog09bCuGAQYc2OqR8g="; Encode(got) != want {
		t.Errorf("Encode(DeriveFromBase64()) = %s, want %s", Encode(got), want)
	}
}

func TestDerive_Deterministic(t *testing.T) {
	d, err := NewDeriver(testMasterKeyB64)
	if err != nil {
		t.Fatalf("NewDeriver() error = %v", err)
	}

	first := d.Derive(testDeviceID)
	for range 10 {
		if again := d.Derive(testDeviceID); !bytes.Equal(first, again) {
			t.Fatalf("Derive() not deterministic: %x != %x", first, again)
		}
	}

	if other := d.Derive("tag-002"); bytes.Equal(first, other) {
		t.Error("different device IDs derived the same credential")
	}
	if len(first) != 32 {
		t.Errorf("len(Derive()) = %d, want 32", len(first))
	}
}

func TestParseMasterKey_Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"not base64", "not base64!"},
		{"bad padding", "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMasterKey(tt.in); !errors.Is(err, ErrMalformedMasterKey) {
				t.Errorf("ParseMasterKey(%q) error = %v, want ErrMalformedMasterKey", tt.in, err)
			}
			if _, err := NewDeriver(tt.in); !errors.Is(err, ErrMalformedMasterKey) {
				t.Errorf("NewDeriver(%q) error = %v, want ErrMalformedMasterKey", tt.in, err)
			}
		})
	}
}

func TestSASToken(t *testing.T) {
	token := SASToken([]byte("test-master-key"), "0ne000/registrations/tag-001", "registration", time.Unix(1700000000, 0))

	want := "SharedAccessSignature sr=0ne000%2Fregistrations%2Ftag-001" +
		"&sig=wGZAAScbEYupedeTfQgjVFzxLfd71Rik74yIX16u8WI%3D" +
		"&se=1700000000&skn=registration"
	if token != want {
		t.Errorf("SASToken() =\n  %s\nwant\n  %s", token, want)
	}
}

func TestSASToken_NoKeyName(t *testing.T) {
	token := SASToken([]byte("k"), "hub/devices/x", "", time.Unix(1, 0))
	if bytes.Contains([]byte(token), []byte("skn=")) {
		t.Errorf("SASToken() = %s, want no skn field", token)
	}
}
