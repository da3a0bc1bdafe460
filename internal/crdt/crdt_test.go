package crdt

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustInsert(t *testing.T, d *Doc, pos int, text string) []Op {
	t.Helper()
	ops, err := d.Insert(pos, text)
	require.NoError(t, err)
	return ops
}

func mustDelete(t *testing.T, d *Doc, pos, n int) []Op {
	t.Helper()
	ops, err := d.Delete(pos, n)
	require.NoError(t, err)
	return ops
}

func TestDoc_LocalEdits(t *testing.T) {
	d := NewDoc("a")
	mustInsert(t, d, 0, "hello")
	mustInsert(t, d, 5, " world")
	mustInsert(t, d, 0, ">")
	assert.Equal(t, ">hello world", d.String())

	mustDelete(t, d, 1, 6)
	assert.Equal(t, ">world", d.String())
	assert.Equal(t, 6, d.Len())
	assert.Equal(t, StateVector{"a": 18}, d.StateVector())
}

func TestDoc_OutOfRange(t *testing.T) {
	d := NewDoc("a")
	mustInsert(t, d, 0, "abc")

	_, err := d.Insert(4, "x")
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = d.Delete(2, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = d.Insert(-1, "x")
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestDoc_ConvergesRegardlessOfOrder(t *testing.T) {
	base := NewDoc("base")
	baseOps := mustInsert(t, base, 0, "ac")

	alice := NewDoc("alice")
	alice.Apply(baseOps)
	bob := NewDoc("bob")
	bob.Apply(baseOps)

	a := mustInsert(t, alice, 1, "b")
	b := append(mustInsert(t, bob, 1, "B"), mustDelete(t, bob, 0, 1)...)

	first := NewDoc("x")
	first.Apply(baseOps)
	first.Apply(a)
	first.Apply(b)

	second := NewDoc("y")
	second.Apply(baseOps)
	second.Apply(b)
	second.Apply(a)

	assert.Equal(t, first.String(), second.String())
	assert.Equal(t, first.StateVector(), second.StateVector())

	alice.Apply(b)
	bob.Apply(a)
	assert.Equal(t, first.String(), alice.String())
	assert.Equal(t, first.String(), bob.String())
}

func TestDoc_ParksOpsWithMissingDependencies(t *testing.T) {
	src := NewDoc("a")
	first := mustInsert(t, src, 0, "x")
	second := mustInsert(t, src, 1, "y")
	del := mustDelete(t, src, 0, 1)

	dst := NewDoc("b")
	assert.Empty(t, dst.Apply(del))
	assert.Empty(t, dst.Apply(second))
	assert.Equal(t, 2, dst.Pending())

	applied := dst.Apply(first)
	assert.Len(t, applied, 3)
	assert.Equal(t, 0, dst.Pending())
	assert.Equal(t, src.String(), dst.String())
}

func TestDoc_IgnoresDuplicates(t *testing.T) {
	src := NewDoc("a")
	ops := mustInsert(t, src, 0, "hi")

	dst := NewDoc("b")
	require.Len(t, dst.Apply(ops), 2)
	assert.Empty(t, dst.Apply(ops))
	assert.Equal(t, "hi", dst.String())
}

func TestDoc_DiffAgainstStateVector(t *testing.T) {
	a := NewDoc("a")
	mustInsert(t, a, 0, "one")

	b := NewDoc("b")
	b.Apply(a.Diff(nil))
	mustInsert(t, a, 3, " two")

	missing := a.Diff(b.StateVector())
	assert.Len(t, missing, 4)

	b.Apply(missing)
	assert.Equal(t, "one two", b.String())
	assert.Empty(t, a.Diff(b.StateVector()))
}

func TestDoc_RandomizedConvergence(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	peers := []*Doc{NewDoc("p1"), NewDoc("p2"), NewDoc("p3")}
	var all []Op

	for round := 0; round < 20; round++ {
		for _, p := range peers {
			var ops []Op
			if p.Len() > 0 && rng.IntN(3) == 0 {
				pos := rng.IntN(p.Len())
				ops = mustDelete(t, p, pos, 1)
			} else {
				ops = mustInsert(t, p, rng.IntN(p.Len()+1), fmt.Sprintf("%c", 'a'+rng.IntN(26)))
			}
			all = append(all, ops...)
		}
		// partial gossip keeps the peers diverged for a while
		if round%5 == 4 {
			for _, p := range peers {
				p.Apply(all)
			}
		}
	}

	results := make(map[string]bool)
	for i := 0; i < 5; i++ {
		shuffled := append([]Op(nil), all...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		d := NewDoc(fmt.Sprintf("observer-%d", i))
		d.Apply(shuffled)
		require.Equal(t, 0, d.Pending())
		results[d.String()] = true
	}
	for _, p := range peers {
		p.Apply(all)
		results[p.String()] = true
	}
	assert.Len(t, results, 1, "replicas diverged: %v", results)
}

func TestEncodeDecode(t *testing.T) {
	d := NewDoc("a")
	ops := append(mustInsert(t, d, 0, "héllo"), mustDelete(t, d, 1, 1)...)

	b, err := EncodeOps(ops)
	require.NoError(t, err)
	decoded, err := DecodeOps(b)
	require.NoError(t, err)
	assert.Equal(t, ops, decoded)

	svb, err := EncodeStateVector(d.StateVector())
	require.NoError(t, err)
	sv, err := DecodeStateVector(svb)
	require.NoError(t, err)
	assert.Equal(t, d.StateVector(), sv)
}

func TestDecodeOps_RejectsGarbage(t *testing.T) {
	_, err := DecodeOps([]byte{0xff, 0x00})
	assert.Error(t, err)

	b, err := EncodeOps([]Op{{Action: 9, ID: CharID{Peer: "a", Seq: 1}}})
	require.NoError(t, err)
	_, err = DecodeOps(b)
	assert.Error(t, err)
}
