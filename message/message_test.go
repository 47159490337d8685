package message

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamkit/errors"
)

func TestIssuer_RootAndChild(t *testing.T) {
	issuer := NewIssuer("net.feeder.0", func(root string) string { return "net.auditor.0" })

	root := issuer.Issue(nil)
	assert.True(t, root.IsRoot())
	assert.Equal(t, root.Correlation, root.Root)
	assert.Empty(t, root.Parent)
	assert.Equal(t, "net.feeder.0", root.Source)
	assert.Equal(t, "net.feeder.0", root.Origin)
	assert.Equal(t, "net.auditor.0", root.Auditor)

	worker := NewIssuer("net.worker.1", nil)
	child := worker.Issue(&root)
	assert.False(t, child.IsRoot())
	assert.Equal(t, root.Correlation, child.Parent)
	assert.Equal(t, root.Root, child.Root)
	assert.Equal(t, root.Auditor, child.Auditor)
	assert.Equal(t, "net.worker.1", child.Source)

	grandchild := worker.Issue(&child)
	assert.Equal(t, child.Correlation, grandchild.Parent)
	assert.Equal(t, root.Root, grandchild.Root)
	assert.Equal(t, "net.feeder.0", grandchild.Origin)
}

func TestIssuer_UniqueAcrossGoroutinesAndInstances(t *testing.T) {
	a := NewIssuer("net.w.0", nil)
	b := NewIssuer("net.w.0", nil) // same address, e.g. after a restart

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for _, issuer := range []*Issuer{a, b} {
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(is *Issuer) {
				defer wg.Done()
				for i := 0; i < 250; i++ {
					id := is.Issue(nil)
					mu.Lock()
					seen[id.Correlation] = true
					mu.Unlock()
				}
			}(issuer)
		}
	}
	wg.Wait()
	assert.Len(t, seen, 2000)
}

func TestEnvelope_Copy(t *testing.T) {
	issuer := NewIssuer("net.feeder.0", nil)
	env := NewEnvelope(issuer.Issue(nil), "", Body{"foo": "bar"}, "net.feeder.0")
	assert.Equal(t, DefaultStream, env.Stream)

	cp := env.Copy(issuer)
	assert.NotEqual(t, env.ID.Correlation, cp.ID.Correlation)
	assert.Equal(t, env.ID.Correlation, cp.ID.Parent)
	assert.Equal(t, env.ID.Root, cp.ID.Root)
	assert.Equal(t, env.Body, cp.Body)
	assert.Equal(t, env.Stream, cp.Stream)
}

func TestBody_Lookup(t *testing.T) {
	body := Body{
		"user":     "alice",
		"position": map[string]any{"lat": 1.5, "inner": map[string]any{"deep": true}},
		"a.b":      "literal",
	}

	v, ok := body.Lookup("user")
	require.True(t, ok)
	assert.Equal(t, "alice", v)

	v, ok = body.Lookup("position.lat")
	require.True(t, ok)
	assert.Equal(t, 1.5, v)

	v, ok = body.Lookup("position.inner.deep")
	require.True(t, ok)
	assert.Equal(t, true, v)

	v, ok = body.Lookup("a.b")
	require.True(t, ok)
	assert.Equal(t, "literal", v)

	_, ok = body.Lookup("position.missing")
	assert.False(t, ok)
	_, ok = body.Lookup("user.name")
	assert.False(t, ok)
	_, ok = Body(nil).Lookup("x")
	assert.False(t, ok)
}

func TestCodec(t *testing.T) {
	issuer := NewIssuer("net.feeder.0", func(string) string { return "net.auditor.0" })
	env := NewEnvelope(issuer.Issue(nil), "words", Body{"input": "x"}, "net.feeder.0")

	data, err := Marshal(env)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Body, decoded.Body)
	assert.Equal(t, "words", decoded.Stream)

	_, err = Unmarshal([]byte("{not json"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = Unmarshal([]byte(`{"id":{"id":"a","root":"r"}}`))
	require.Error(t, err, "non-root without parent")
}
