package auth

import "testing"

func TestSecretMatches(t *testing.T) {
	tests := []struct {
		name      string
		presented string
		want      string
		match     bool
	}{
		{name: "equal", presented: "s3cret", want: "s3cret", match: true},
		{name: "trailing newline from file", presented: "s3cret", want: "s3cret\n", match: true},
		{name: "surrounding whitespace", presented: "  s3cret ", want: "s3cret", match: true},
		{name: "different", presented: "s3cret", want: "other", match: false},
		{name: "prefix", presented: "s3c", want: "s3cret", match: false},
		{name: "case sensitive", presented: "S3CRET", want: "s3cret", match: false},
		{name: "empty presented", presented: "", want: "s3cret", match: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SecretMatches(tt.presented, tt.want); got != tt.match {
				t.Errorf("SecretMatches(%q, %q) = %v, want %v", tt.presented, tt.want, got, tt.match)
			}
		})
	}
}
