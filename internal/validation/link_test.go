package validation

import (
	"strings"
	"testing"
)

func TestIsValidLink(t *testing.T) {
	tests := []struct {
		name string
		link string
		want bool
	}{
		{name: "https url", link: "https://instagram.com/someuser", want: true},
		{name: "http url", link: "http://youtube.com/watch?v=abc", want: true},
		{name: "handle", link: "@someuser", want: true},
		{name: "bare username", link: "someuser", want: true},
		{name: "empty", link: "", want: false},
		{name: "spaces only", link: "   ", want: false},
		{name: "inner whitespace", link: "some user", want: false},
		{name: "url without host", link: "https://", want: false},
		{name: "too long", link: "https://a.com/" + strings.Repeat("x", 2048), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidLink(tt.link); got != tt.want {
				t.Fatalf("IsValidLink(%q) = %v, want %v", tt.link, got, tt.want)
			}
		})
	}
}
