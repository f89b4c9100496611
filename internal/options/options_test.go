package options_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tarantool/go-logkv/internal/options"
)

type settings struct {
	timeout time.Duration
	name    string
	retries int
}

func defaults() settings {
	return settings{timeout: time.Second, name: "default", retries: 3}
}

func TestApplyOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		constructor options.OptionConstructor[settings]
		callbacks   []options.OptionCallback[settings]
		expected    settings
	}{
		{
			name:        "nil constructor and no callbacks",
			constructor: nil,
			callbacks:   nil,
			expected:    settings{timeout: 0, name: "", retries: 0},
		},
		{
			name:        "defaults without callbacks",
			constructor: defaults,
			callbacks:   nil,
			expected:    defaults(),
		},
		{
			name:        "callbacks override defaults",
			constructor: defaults,
			callbacks: []options.OptionCallback[settings]{
				func(s *settings) { s.timeout = time.Minute },
				func(s *settings) { s.name = "custom" },
			},
			expected: settings{timeout: time.Minute, name: "custom", retries: 3},
		},
		{
			name:        "callbacks applied in order",
			constructor: defaults,
			callbacks: []options.OptionCallback[settings]{
				func(s *settings) { s.retries++ },
				func(s *settings) { s.retries *= 2 },
			},
			expected: settings{timeout: time.Second, name: "default", retries: 8},
		},
		{
			name:        "nil callbacks are skipped",
			constructor: defaults,
			callbacks:   []options.OptionCallback[settings]{nil, func(s *settings) { s.name = "set" }},
			expected:    settings{timeout: time.Second, name: "set", retries: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := options.ApplyOptions(tt.constructor, tt.callbacks)
			assert.Equal(t, tt.expected, result)
		})
	}
}
