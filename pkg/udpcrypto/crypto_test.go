package udpcrypto

import (
	"bytes"
	"testing"
)

func newPair(t *testing.T) (server, client *Service) {
	t.Helper()
	key, salt, err := GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("generate key material: %v", err)
	}
	server, err = NewService(true, key, salt, 1<<32)
	if err != nil {
		t.Fatalf("new server service: %v", err)
	}
	client, err = NewService(false, key, salt, 1<<32)
	if err != nil {
		t.Fatalf("new client service: %v", err)
	}
	return server, client
}

func TestSealOpenRoundTrip(t *testing.T) {
	server, client := newPair(t)

	aad := []byte("header-aad")
	plaintext := []byte("hello from server to client")

	seq := server.NextSendSequence()
	ciphertext, tag, _, err := server.Seal(seq, aad, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := client.Open(seq, aad, ciphertext, tag)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedAAD(t *testing.T) {
	server, client := newPair(t)
	seq := server.NextSendSequence()
	ciphertext, tag, _, _ := server.Seal(seq, []byte("aad-a"), []byte("payload"))

	if _, err := client.Open(seq, []byte("aad-b"), ciphertext, tag); err == nil {
		t.Fatal("expected authentication failure for tampered AAD")
	}
}

func TestOpenRejectsTamperedTag(t *testing.T) {
	server, client := newPair(t)
	aad := []byte("aad")
	seq := server.NextSendSequence()
	ciphertext, tag, _, _ := server.Seal(seq, aad, []byte("payload"))
	tag[0] ^= 0xFF

	if _, err := client.Open(seq, aad, ciphertext, tag); err == nil {
		t.Fatal("expected authentication failure for tampered tag")
	}
}

func TestOpenRejectsReplay(t *testing.T) {
	server, client := newPair(t)
	aad := []byte("aad")
	seq := server.NextSendSequence()
	ciphertext, tag, _, _ := server.Seal(seq, aad, []byte("payload"))

	if _, err := client.Open(seq, aad, ciphertext, tag); err != nil {
		t.Fatalf("first open should succeed: %v", err)
	}
	if _, err := client.Open(seq, aad, ciphertext, tag); err != ErrAuthenticationFailed {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestOpenRejectsTooOldSequence(t *testing.T) {
	server, client := newPair(t)
	aad := []byte("aad")

	// Establish a high-water mark far beyond the replay window.
	var lastCT []byte
	var lastTag [TagSize]byte
	var lastSeq uint64
	for i := 0; i < replayWindowSize+10; i++ {
		seq := server.NextSendSequence()
		ct, tag, _, _ := server.Seal(seq, aad, []byte("payload"))
		if i == 0 {
			lastCT, lastTag, lastSeq = ct, tag, seq
		}
		if _, err := client.Open(seq, aad, ct, tag); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}

	if _, err := client.Open(lastSeq, aad, lastCT, lastTag); err == nil {
		t.Fatal("expected rejection of sequence older than the replay window")
	}
}

func TestRekeyGraceWindowAcceptsOldKey(t *testing.T) {
	server, client := newPair(t)
	aad := []byte("aad")

	seq := server.NextSendSequence()
	ciphertext, tag, _, _ := server.Seal(seq, aad, []byte("pre-rekey"))

	newKey, newSalt, err := GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("generate key material: %v", err)
	}
	if err := server.Rekey(newKey, newSalt); err != nil {
		t.Fatalf("server rekey: %v", err)
	}
	if err := client.Rekey(newKey, newSalt); err != nil {
		t.Fatalf("client rekey: %v", err)
	}

	got, err := client.Open(seq, aad, ciphertext, tag)
	if err != nil {
		t.Fatalf("expected grace-window open to succeed: %v", err)
	}
	if string(got) != "pre-rekey" {
		t.Fatalf("unexpected plaintext: %q", got)
	}
}

func TestNeedsRekey(t *testing.T) {
	key, salt, err := GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("generate key material: %v", err)
	}
	svc, err := NewService(true, key, salt, 3)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.NeedsRekey() {
		t.Fatal("should not need rekey yet")
	}
	svc.NextSendSequence()
	svc.NextSendSequence()
	svc.NextSendSequence()
	if !svc.NeedsRekey() {
		t.Fatal("expected NeedsRekey to be true after crossing threshold")
	}
}
