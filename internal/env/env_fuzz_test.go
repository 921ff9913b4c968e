package env

import (
	"strings"
	"testing"
)

// FuzzExpandMerge fuzzes Merge/expand with random inputs to ensure no panics and
// that output stays a sorted list of K=V pairs.
func FuzzExpandMerge(f *testing.F) {
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("FOO=bar"), []byte("FOO=${FOO}"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}"))

	f.Fuzz(func(t *testing.T, globalB []byte, perB []byte) {
		global := splitNZ(string(globalB))
		per := splitNZ(string(perB))
		if len(global) > 20 {
			global = global[:20]
		}
		if len(per) > 20 {
			per = per[:20]
		}

		e := New().WithLookup(func(string) (string, bool) { return "", false })
		for _, kv := range global {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				e.Set(kv[:i], kv[i+1:])
			}
		}
		out := e.Merge(per)
		prev := ""
		for _, kv := range out {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				t.Fatalf("bad pair: %q", kv)
			}
			if k := kv[:i]; k < prev {
				t.Fatalf("output not sorted: %q after %q", k, prev)
			} else {
				prev = k
			}
		}
	})
}

func splitNZ(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "\n") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
