package portal

import (
	"testing"
	"time"
)

func TestNetworkIdentityKeyAndEqual(t *testing.T) {
	a := NetworkIdentity{SSID: "CafeWiFi", BSSID: "AA:BB:CC:DD:EE:FF"}
	b := NetworkIdentity{SSID: "CafeWiFi", BSSID: "aa:bb:cc:dd:ee:ff"}

	if !a.Equal(b) {
		t.Fatal("expected BSSID comparison to ignore case")
	}
	if a.Key() != b.Key() {
		t.Fatalf("expected equal keys, got %q and %q", a.Key(), b.Key())
	}
	if (NetworkIdentity{SSID: "CafeWiFi"}).Key() != "CafeWiFi" {
		t.Fatal("expected bare SSID key when BSSID is empty")
	}
	if a.Equal(NetworkIdentity{SSID: "CafeWiFi"}) {
		t.Fatal("identities with different BSSIDs must differ")
	}
}

func TestSameNetwork(t *testing.T) {
	a := &NetworkIdentity{SSID: "x"}
	if !SameNetwork(nil, nil) {
		t.Fatal("two nils are the same network")
	}
	if SameNetwork(a, nil) || SameNetwork(nil, a) {
		t.Fatal("nil and non-nil differ")
	}
	if !SameNetwork(a, &NetworkIdentity{SSID: "x"}) {
		t.Fatal("expected same network")
	}
}

func TestConnectionStatusCloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := ConnectionStatus{
		State:          StateLoggingIn,
		CurrentNetwork: &NetworkIdentity{SSID: "a"},
		LastAttempt:    &LoginAttempt{ID: "1", Outcome: OutcomeTimeout},
		NextRetryAt:    &now,
	}
	cp := orig.Clone()
	cp.CurrentNetwork.SSID = "b"
	cp.LastAttempt.ID = "2"
	*cp.NextRetryAt = now.Add(time.Hour)

	if orig.CurrentNetwork.SSID != "a" || orig.LastAttempt.ID != "1" || !orig.NextRetryAt.Equal(now) {
		t.Fatalf("clone shares memory with original: %+v", orig)
	}
}
