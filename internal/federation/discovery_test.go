package federation

import "testing"

func TestHasExplicitPort(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"nexus.example.com", false},
		{"nexus.example.com:8448", true},
		{"nexus.example.com:443", true},
		{"[::1]", false},
		{"[::1]:8448", true},
		{"::1", false},
		{"192.168.1.1", false},
		{"192.168.1.1:9000", true},
	}
	for _, c := range cases {
		if got := hasExplicitPort(c.name); got != c.want {
			t.Errorf("hasExplicitPort(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestResolve_ExplicitPortShortCircuits(t *testing.T) {
	d := NewDiscoveryCache()
	u, err := d.Resolve("nexus.example.com:9999")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if u.Host != "nexus.example.com:9999" {
		t.Errorf("Host = %q, want the explicit port preserved", u.Host)
	}
	if u.Scheme != "https" {
		t.Errorf("Scheme = %q, want https", u.Scheme)
	}
}

func TestResolve_FallsBackToDefaultPort(t *testing.T) {
	// No .well-known server will actually answer for this made-up domain,
	// so Resolve should fall back to the default federation port rather
	// than error out: a well-known lookup failure is non-fatal.
	d := NewDiscoveryCache()
	u, err := d.Resolve("definitely-not-a-real-nexus-instance.invalid")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if u.Host != "definitely-not-a-real-nexus-instance.invalid:8448" {
		t.Errorf("Host = %q, want fallback to :8448", u.Host)
	}
}

func TestResolve_Caches(t *testing.T) {
	d := NewDiscoveryCache()
	first, err := d.Resolve("cached.example.com:1234")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	d.cache.Set("cached.example.com:1234", nil)
	second, err := d.Resolve("cached.example.com:1234")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if second != nil {
		t.Error("expected the cached nil override to be returned rather than re-resolved")
	}
	_ = first
}

func TestInvalidate_ForcesReResolution(t *testing.T) {
	d := NewDiscoveryCache()
	d.cache.Set("invalidate-me.example.com:1234", nil)

	d.Invalidate("invalidate-me.example.com:1234")

	u, err := d.Resolve("invalidate-me.example.com:1234")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if u == nil {
		t.Error("expected re-resolution to produce a non-nil URL after Invalidate")
	}
}

func TestValidateFederationDomain_RejectsLocalSuffixes(t *testing.T) {
	cases := []string{
		"localhost",
		"LOCALHOST",
		"foo.local",
		"bar.internal",
		"baz.localhost",
	}
	for _, domain := range cases {
		if err := ValidateFederationDomain(domain); err == nil {
			t.Errorf("ValidateFederationDomain(%q) should be rejected", domain)
		}
	}
}
