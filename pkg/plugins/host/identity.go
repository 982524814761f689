package host

import (
	"encoding/json"
	"sort"
	"strings"
)

// Identity is the canonical key of one configured plugin instance. It is
// comparable, so two identities built from the same name and the same
// key/value pairs in any order are equal under ==.
type Identity struct {
	Name string

	// config is the JSON encoding of the key-sorted pairs.
	config string
}

// ResolveIdentity derives the identity for a plugin name and configuration.
// When a key appears more than once the last pair wins.
func ResolveIdentity(name string, pairs []ConfigPair) Identity {
	canonical := canonicalPairs(pairs)

	encoded := make([][2]string, len(canonical))
	for i, p := range canonical {
		encoded[i] = [2]string{p.Key, p.Value}
	}

	// Marshalling [][2]string cannot fail.
	data, _ := json.Marshal(encoded)

	return Identity{Name: name, config: string(data)}
}

// Pairs returns the identity's configuration sorted by key.
func (id Identity) Pairs() []ConfigPair {
	var encoded [][2]string
	if err := json.Unmarshal([]byte(id.config), &encoded); err != nil {
		return nil
	}

	pairs := make([]ConfigPair, len(encoded))
	for i, kv := range encoded {
		pairs[i] = ConfigPair{Key: kv[0], Value: kv[1]}
	}
	return pairs
}

// String renders the identity as name{key=value,...}.
func (id Identity) String() string {
	var b strings.Builder
	b.WriteString(id.Name)
	b.WriteByte('{')
	for i, p := range id.Pairs() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	b.WriteByte('}')
	return b.String()
}

// canonicalPairs applies last-write-wins to duplicate keys and sorts by key.
func canonicalPairs(pairs []ConfigPair) []ConfigPair {
	byKey := make(map[string]string, len(pairs))
	for _, p := range pairs {
		byKey[p.Key] = p.Value
	}

	out := make([]ConfigPair, 0, len(byKey))
	for k, v := range byKey {
		out = append(out, ConfigPair{Key: k, Value: v})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})

	return out
}

// configMap converts pairs to a map with last-write-wins semantics.
func configMap(pairs []ConfigPair) map[string]string {
	m := make(map[string]string, len(pairs)+1)
	for _, p := range pairs {
		m[p.Key] = p.Value
	}
	return m
}
