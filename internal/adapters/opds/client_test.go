package opds

import "testing"

func TestSearchURL(t *testing.T) {
	cases := []struct {
		root  string
		query string
		want  string
	}{
		{"https://cat.example/opds", "naruto", "https://cat.example/opds/series?query=naruto"},
		{"https://cat.example/opds/", "mushoku tensei", "https://cat.example/opds/series?query=mushoku+tensei"},
		{"https://cat.example/opds/series?query=old", "naruto", "https://cat.example/opds/series?query=naruto"},
		{"https://cat.example/api/opds/k/series/7", "tomo", "https://cat.example/api/opds/k/series/7?query=tomo"},
	}
	for _, tc := range cases {
		if got := SearchURL(tc.root, tc.query); got != tc.want {
			t.Errorf("SearchURL(%q, %q) = %q, want %q", tc.root, tc.query, got, tc.want)
		}
	}
}
