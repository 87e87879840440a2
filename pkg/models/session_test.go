package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty", Config{}, true},
		{"months and sessions", Config{Months: []int{202504, 202512}, Autobook: AutobookPolicy{TrySellSessions: []string{"1", "8"}}}, true},
		{"month 13", Config{Months: []int{202513}}, false},
		{"short month", Config{Months: []int{20254}}, false},
		{"session 0", Config{Autobook: AutobookPolicy{TrySellSessions: []string{"0"}}}, false},
		{"session 9", Config{Autobook: AutobookPolicy{TrySellSessions: []string{"9"}}}, false},
		{"session name", Config{Autobook: AutobookPolicy{TrySellSessions: []string{"am"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestCurrentConfigIsACopy(t *testing.T) {
	s := NewSession("u1")
	s.SetConfig(Config{Months: []int{202504}})

	cfg := s.CurrentConfig()
	cfg.Months[0] = 202505
	assert.Equal(t, []int{202504}, s.CurrentConfig().Months)
}
