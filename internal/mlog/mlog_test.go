package mlog

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrintf2(t *testing.T) {
	tests := []struct {
		pattern   string
		outputted bool
	}{
		{"", false},
		{"zzzglorb", false},
		{"ftl/", true},
		{"^ftl/read$", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			var b bytes.Buffer
			defer SetLogger(log.New(&b, "", 0))()
			defer SetPattern(tt.pattern)()

			Printf2("ftl/read", "foo %s", "bar")
			if tt.outputted {
				assert.Equal(t, "foo bar\n", b.String())
			} else {
				assert.Empty(t, b.String())
			}
		})
	}
}

func TestIsEnabled(t *testing.T) {
	defer SetPattern("")()
	assert.False(t, IsEnabled())

	undo := SetPattern(".")
	assert.True(t, IsEnabled())
	undo()
	assert.False(t, IsEnabled())
}
