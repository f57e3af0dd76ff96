package i18n

import "testing"

func TestFromAcceptLanguage(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", English},
		{"fa", Persian},
		{"fa-IR,fa;q=0.9,en;q=0.8", Persian},
		{"en-US,en;q=0.9,fa;q=0.5", English},
		{"de-DE", English},
		{"not a header;;", English},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			if got := FromAcceptLanguage(tt.header); got != tt.want {
				t.Errorf("FromAcceptLanguage(%q) = %s, want %s", tt.header, got, tt.want)
			}
		})
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name    string
		lang    string
		message string
		want    string
	}{
		{"exact", Persian, "invalid request", "درخواست نامعتبر است"},
		{"prefix", Persian, "failed to query user: database is locked", "خطا در دریافت اطلاعات کاربر"},
		{"english passthrough", English, "invalid request", "invalid request"},
		{"unknown message", Persian, "something else", "something else"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Translate(tt.lang, tt.message); got != tt.want {
				t.Errorf("Translate(%s, %q) = %q, want %q", tt.lang, tt.message, got, tt.want)
			}
		})
	}
}
