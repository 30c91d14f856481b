package sshd

import (
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestMethodTrackerWithdrawsCallbackFromServerConfig(t *testing.T) {
	sc := &ssh.ServerConfig{
		PasswordCallback: func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	tr := &methodTracker{sc: sc}

	if tr.exhausted("password") {
		t.Fatal("should not be exhausted before any failure")
	}
	tr.exhaust("password")
	if !tr.exhausted("password") {
		t.Fatal("should be exhausted after a recorded failure")
	}
	if sc.PasswordCallback != nil {
		t.Fatal("failed method's callback should be removed from the server config")
	}
	if tr.exhausted("publickey") || sc.PublicKeyCallback == nil {
		t.Fatal("exhausting one method should not affect another")
	}
}

func TestParseSubsystemAndExecPayloads(t *testing.T) {
	subsystemPayload := ssh.Marshal(struct{ Name string }{"sftp"})
	if got := parseSubsystemName(subsystemPayload); got != "sftp" {
		t.Fatalf("got %q, want sftp", got)
	}

	execPayload := ssh.Marshal(struct{ Command string }{"md5sum file.txt"})
	if got := parseExecCommand(execPayload); got != "md5sum file.txt" {
		t.Fatalf("got %q, want %q", got, "md5sum file.txt")
	}
}

func TestIsHashCommand(t *testing.T) {
	cases := map[string]bool{
		"md5sum a.txt":       true,
		"sha1sum a.txt b.txt": true,
		"rm -rf /":           false,
		"":                   false,
	}
	for cmd, want := range cases {
		if got := isHashCommand(cmd); got != want {
			t.Errorf("isHashCommand(%q) = %v, want %v", cmd, got, want)
		}
	}
}
