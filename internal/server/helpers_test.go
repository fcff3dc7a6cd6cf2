package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatInt64(t *testing.T) {
	assert.Equal(t, "0", formatInt64(0))
	assert.Equal(t, "42", formatInt64(42))
	assert.Equal(t, "-7", formatInt64(-7))
}

func TestTimeFromUnix(t *testing.T) {
	got := timeFromUnix(0)
	assert.Equal(t, time.Unix(0, 0).UTC(), got)
	assert.Equal(t, time.UTC, got.Location())
}
