package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestUserInfoCacheRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}

	original := &UserInfo{
		Username:   "alice",
		DN:         "cn=alice,dc=example,dc=com",
		PublicKeys: []ssh.PublicKey{sshPub},
	}

	raw, err := encodeUserInfo(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := decodeUserInfo(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Username != original.Username || decoded.DN != original.DN {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if len(decoded.PublicKeys) != 1 {
		t.Fatalf("want 1 public key, got %d", len(decoded.PublicKeys))
	}
	if string(decoded.PublicKeys[0].Marshal()) != string(sshPub.Marshal()) {
		t.Fatal("public key did not round-trip byte-for-byte")
	}
}
