package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	c := NewCache(time.Minute)
	m := &Manifest{ContentHash: "abc"}

	assert.Nil(t, c.Get("abc"))
	c.Put(m)
	assert.Same(t, m, c.Get("abc"))
	assert.Nil(t, c.Get("other"))
}

func TestCache_Expiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	c.Put(&Manifest{ContentHash: "abc"})

	require.NotNil(t, c.Get("abc"))
	time.Sleep(25 * time.Millisecond)
	assert.Nil(t, c.Get("abc"))
}

func TestCache_GetOrParse(t *testing.T) {
	c := NewCache(time.Minute)
	doc := nzbDoc(nzbFile(`"movie.mkv" yEnc (1/1)`,
		`<segment bytes="100" number="1">s@test</segment>`))

	m1, err := c.GetOrParse(doc)
	require.NoError(t, err)

	// Second call must hit the cache and return the same instance.
	m2, err := c.GetOrParse(doc)
	require.NoError(t, err)
	assert.Same(t, m1, m2)
}

func TestCache_GetOrParseInvalid(t *testing.T) {
	c := NewCache(time.Minute)
	_, err := c.GetOrParse([]byte("garbage"))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}
