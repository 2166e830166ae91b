package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/assets":                    "/v1/assets",
		"/v1/assets/A1":                 "/v1/assets/:key",
		"/v1/assets/A1/grants":          "/v1/assets/:key/grants",
		"/v1/assets/A1/grants/p2":       "/v1/assets/:key/grants/:principal",
		"/v1/assets/A1/access":          "/v1/assets/:key/access",
		"/v1/assets/A1/access/p2":       "/v1/assets/:key/access/:principal",
		"/v1/assets/A1/grants?limit=10": "/v1/assets/:key/grants",
		"/v1/roles/assign":              "/v1/roles/assign",
		"/v1/roles/p1/superadmin":       "/v1/roles/:principal/:role",
		"/v1/events":                    "/v1/events",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
