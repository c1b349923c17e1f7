package rabbitmq

import (
	"testing"

	"quiz-arena/internal/domain"
)

func TestRoutingKey(t *testing.T) {
	cases := map[domain.Status]string{
		domain.StatusLive:     "quiz.session.live",
		domain.StatusFinished: "quiz.session.finished",
	}
	for status, want := range cases {
		if got := RoutingKey(status); got != want {
			t.Fatalf("RoutingKey(%q) = %q, want %q", status, got, want)
		}
	}
}
