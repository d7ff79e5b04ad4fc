package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransitionValidate(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		t    Transition
		want error
	}{
		{"complete", Transition{AccountID: 1, Status: StatusActive, EventAt: base}, nil},
		{"missing account", Transition{Status: StatusActive, EventAt: base}, ErrInvalidTransition},
		{"bad status", Transition{AccountID: 1, Status: "paused", EventAt: base}, ErrInvalidTransition},
		{"zero time", Transition{AccountID: 1, Status: StatusActive}, ErrInvalidTransition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.t.Validate())
		})
	}
}
