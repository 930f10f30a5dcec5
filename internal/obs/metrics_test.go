package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/presence/a@x.com/last":     "/v1/presence/:user/last",
		"/v1/presence/a@x.com/live":     "/v1/presence/:user/live",
		"/v1/presence/a@x.com/live?x=1": "/v1/presence/:user/live",
		"/v1/presence/a/b/last":         "/v1/presence/a/b/last",
		"/v1/presence/refresh":          "/v1/presence/refresh",
		"/auth/start":                   "/auth/start",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
