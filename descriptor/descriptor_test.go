package descriptor

import (
	"encoding/hex"
	"testing"
)

const sampleDescriptor = `@type server-descriptor 1.0
router TestRelay 192.168.1.1 9001 0 0
identity-ed25519
-----BEGIN ED25519 CERT-----
AQoABnGqAT...
-----END ED25519 CERT-----
master-key-ed25519 fakeed25519key
platform Tor 0.4.8.0 on Linux
published 2026-02-15 12:00:00
fingerprint ABCD EF01 2345 6789 ABCD EF01 2345 6789 ABCD EF01
uptime 86400
bandwidth 1073741824 1073741824 1073741824
onion-key
-----BEGIN RSA PUBLIC KEY-----
MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQC7...
-----END RSA PUBLIC KEY-----
signing-key
-----BEGIN RSA PUBLIC KEY-----
MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQC7...
-----END RSA PUBLIC KEY-----
ntor-onion-key lGLfTgCaPC/drYMjOdGUl0DqMxqMz7T3RdLPWBf//2Y
router-signature
-----BEGIN SIGNATURE-----
fake...
-----END SIGNATURE-----`

func TestParseDescriptor(t *testing.T) {
	info, err := ParseDescriptor(sampleDescriptor)
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}

	if info.Address != "192.168.1.1" {
		t.Fatalf("address: got %s, want 192.168.1.1", info.Address)
	}
	if info.ORPort != 9001 {
		t.Fatalf("port: got %d, want 9001", info.ORPort)
	}

	expectedFP := "ABCDEF0123456789ABCDEF0123456789ABCDEF01"
	if info.Fingerprint != expectedFP {
		t.Fatalf("fingerprint: got %s, want %s", info.Fingerprint, expectedFP)
	}

	expectedNodeID, _ := hex.DecodeString("ABCDEF0123456789ABCDEF0123456789ABCDEF01")
	for i := 0; i < 20; i++ {
		if info.NodeID[i] != expectedNodeID[i] {
			t.Fatalf("nodeID byte %d: got %02x, want %02x", i, info.NodeID[i], expectedNodeID[i])
		}
	}

	// ntor key should be 32 non-zero bytes
	allZero := true
	for _, b := range info.NtorOnionKey {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("ntor onion key is all zeros")
	}
}

func TestParseDescriptorMissingFields(t *testing.T) {
	_, err := ParseDescriptor("router Test 1.2.3.4 9001 0 0\n")
	if err == nil {
		t.Fatal("expected error for missing fingerprint")
	}
}

func TestParseDescriptorBadNtorKey(t *testing.T) {
	desc := "router Test 1.2.3.4 9001 0 0\nfingerprint ABCD EF01 2345 6789 ABCD EF01 2345 6789 ABCD EF01\nntor-onion-key !!!invalid-base64!!!\n"
	_, err := ParseDescriptor(desc)
	if err == nil {
		t.Fatal("expected error for bad ntor-onion-key")
	}
}

func TestParseDescriptorShortNtorKey(t *testing.T) {
	desc := "router Test 1.2.3.4 9001 0 0\nfingerprint ABCD EF01 2345 6789 ABCD EF01 2345 6789 ABCD EF01\nntor-onion-key AQID\n"
	_, err := ParseDescriptor(desc)
	if err == nil {
		t.Fatal("expected error for short ntor-onion-key")
	}
}

func TestFetchDescriptorIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// No relay fingerprint is known here, so this test makes no HTTP request
	// and parses nothing: it only logs the directory authorities it lists.
	t.Log("Fetching relay descriptor from moria1...")

	// Try multiple dir authorities
	dirAuths := []string{
		"128.31.0.39:9131",   // moria1
		"86.59.21.38:80",     // tor26
		"194.109.206.212:80", // dizum
	}

	for _, dir := range dirAuths {
		// Only the address is logged; no request is sent to it.
		t.Logf("Trying dir authority %s", dir)
	}
}
