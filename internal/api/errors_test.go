package api

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "string body", body: `"Room is full"`, want: "Room is full"},
		{name: "detail", body: `{"detail":"Not found."}`, want: "Not found."},
		{
			name: "field errors sorted by field",
			body: `{"username":["A user with that username already exists."],"email":["Enter a valid email address."]}`,
			want: "Enter a valid email address. A user with that username already exists.",
		},
		{name: "plain text", body: `Bad Gateway`, want: "Bad Gateway"},
		{name: "empty", body: ``, want: fallbackMessage},
		{name: "unusable object", body: `{"count":3}`, want: fallbackMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newHTTPError(http.StatusBadRequest, []byte(tt.body))
			if got := e.Message(); got != tt.want {
				t.Fatalf("Message() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPErrorTokenExpired(t *testing.T) {
	expired := newHTTPError(http.StatusUnauthorized, []byte(`{"detail":"x","code":"token_not_valid"}`))
	if !expired.TokenExpired() {
		t.Fatal("expected token expired")
	}
	if expired.Detail != "x" || expired.Code != CodeTokenNotValid {
		t.Fatalf("unexpected parsed fields: %+v", expired)
	}

	forbidden := newHTTPError(http.StatusForbidden, []byte(`{"code":"token_not_valid"}`))
	if forbidden.TokenExpired() {
		t.Fatal("only 401 counts as an expired token")
	}
}

func TestUserMessage(t *testing.T) {
	if got := UserMessage(nil); got != "" {
		t.Fatalf("nil error gave %q", got)
	}
	if got := UserMessage(&NetworkError{Op: "GET x", Err: errors.New("refused")}); got != networkMessage {
		t.Fatalf("network error gave %q", got)
	}
	wrapped := errors.Join(errors.New("context"), newHTTPError(http.StatusBadRequest, []byte(`{"detail":"nope"}`)))
	if got := UserMessage(wrapped); got != "nope" {
		t.Fatalf("wrapped http error gave %q", got)
	}
}
