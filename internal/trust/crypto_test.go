package trust

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	carol, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("the quick brown fox")
	payload, err := Encrypt(plaintext, alice, map[string][32]byte{
		"bob@x":   bob.Public,
		"carol@x": carol.Public,
	})
	if err != nil {
		t.Fatal(err)
	}

	for addr, kp := range map[string]*Keypair{"bob@x": bob, "carol@x": carol} {
		got, err := Decrypt(payload, addr, kp)
		if err != nil {
			t.Fatalf("Decrypt as %s: %v", addr, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("Decrypt as %s = %q", addr, got)
		}
	}
}

func TestDecryptWrongRecipient(t *testing.T) {
	alice, _ := GenerateKeypair()
	bob, _ := GenerateKeypair()
	eve, _ := GenerateKeypair()

	payload, err := Encrypt([]byte("secret"), alice, map[string][32]byte{"bob@x": bob.Public})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Decrypt(payload, "eve@x", eve); err == nil {
		t.Error("Decrypt succeeded for a non-recipient")
	}
	// Right address, wrong private key.
	if _, err := Decrypt(payload, "bob@x", eve); err == nil {
		t.Error("Decrypt succeeded with the wrong private key")
	}
}

func TestDecryptGarbage(t *testing.T) {
	bob, _ := GenerateKeypair()
	if _, err := Decrypt([]byte("not json"), "bob@x", bob); err == nil {
		t.Error("Decrypt accepted garbage")
	}
}

func TestKeyCodec(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeKey(EncodeKey(kp.Public))
	if err != nil {
		t.Fatal(err)
	}
	if decoded != kp.Public {
		t.Error("key round trip mismatch")
	}

	if _, err := DecodeKey("dG9vc2hvcnQ="); err == nil {
		t.Error("DecodeKey accepted short key material")
	}
	if _, err := DecodeKey("!!!"); err == nil {
		t.Error("DecodeKey accepted invalid base64")
	}
}
