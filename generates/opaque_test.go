package generates

import (
	"strings"
	"testing"
)

func TestOpaqueUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c := AuthorizationCode("client-1")
		if seen[c] {
			t.Fatalf("duplicate code after %d iterations: %s", i, c)
		}
		seen[c] = true
		if c != strings.ToUpper(c) {
			t.Errorf("code is not upper-cased: %s", c)
		}
		if strings.ContainsAny(c, "=") {
			t.Errorf("code carries padding: %s", c)
		}
	}
}

func TestUserCodeFormat(t *testing.T) {
	const alphabet = "BCDFGHJKLMNPQRSTVWXZ"
	for i := 0; i < 50; i++ {
		c := UserCode()
		if len(c) != 9 {
			t.Fatalf("user code length %d: %s", len(c), c)
		}
		if c[4] != '-' {
			t.Fatalf("user code missing middle dash: %s", c)
		}
		for j, ch := range c {
			if j == 4 {
				continue
			}
			if !strings.ContainsRune(alphabet, ch) {
				t.Fatalf("user code char %q outside alphabet: %s", ch, c)
			}
		}
	}
}

func TestDerivedGenerators(t *testing.T) {
	if AuthReqID() == AuthReqID() {
		t.Error("auth_req_id values must differ")
	}
	if DeviceCode() == DeviceCode() {
		t.Error("device codes must differ")
	}
	if RefreshToken("access-1") == RefreshToken("access-1") {
		t.Error("refresh tokens must differ even for the same access token")
	}
}
