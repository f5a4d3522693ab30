package server

import "testing"

func TestListenAddr(t *testing.T) {
	cases := []struct {
		name     string
		flagAddr string
		cfgAddr  string
		want     string
	}{
		{"flag wins", ":9000", "0.0.0.0:8080", ":9000"},
		{"config host and port pass through", "", "0.0.0.0:8080", "0.0.0.0:8080"},
		{"bare config port gets colon", "", "8080", ":8080"},
		{"config colon port passes through", "", ":8080", ":8080"},
		{"default when nothing set", "", "", ":10001"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := listenAddr(tc.flagAddr, tc.cfgAddr); got != tc.want {
				t.Fatalf("listenAddr(%q, %q) = %q, want %q", tc.flagAddr, tc.cfgAddr, got, tc.want)
			}
		})
	}
}
