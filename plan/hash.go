package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/emsqrt-project/emsqrt/batch"
)

// Hash computes a stable content-addressed digest over node kinds,
// parameters and child hashes: equal plan structures hash equal,
// differing parameters hash differently.
func Hash(n *Node) string {
	return hex.EncodeToString(hashBytes(n))
}

func hashBytes(n *Node) []byte {
	h := sha256.New()
	if n == nil {
		h.Write([]byte("nil"))
		return h.Sum(nil)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "kind=%s;", n.Kind)

	switch n.Kind {
	case Scan:
		fmt.Fprintf(&b, "source=%s;schema=%s;", n.SourceURI, schemaSig(n.Schema))
	case Filter:
		fmt.Fprintf(&b, "pred=%s;", predicateSig(n.Pred))
	case Project:
		fmt.Fprintf(&b, "cols=%s;", strings.Join(n.ProjectColumns, ","))
	case Map:
		fmt.Fprintf(&b, "renames=%s;", mapSig(n.Renames))
	case Sort:
		for _, k := range n.SortKeys {
			fmt.Fprintf(&b, "key=%s:%v;", k.Column, k.Descending)
		}
	case Aggregate:
		fmt.Fprintf(&b, "groupby=%s;", strings.Join(n.GroupKeys, ","))
		for _, a := range n.Aggs {
			fmt.Fprintf(&b, "agg=%s(%s)as%s;", a.Func, a.Column, a.As)
		}
	case Join:
		fmt.Fprintf(&b, "kind=%s;sorted=%v;", n.JoinKind, n.SortedInputs)
		for _, k := range n.JoinKeys {
			fmt.Fprintf(&b, "on=%s=%s;", k.Left, k.Right)
		}
	case Sink:
		fmt.Fprintf(&b, "dest=%s;format=%s;", n.Destination, n.Format)
	}

	h.Write([]byte(b.String()))
	for _, c := range n.Children {
		h.Write(hashBytes(c))
	}
	return h.Sum(nil)
}

func schemaSig(s batch.Schema) string {
	var b strings.Builder
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "%s:%s:%v,", f.Name, f.Kind, f.Nullable)
	}
	return b.String()
}

func predicateSig(p *Predicate) string {
	if p == nil {
		return ""
	}
	switch p.Kind {
	case PredCompare:
		return fmt.Sprintf("(%s%s%v)", p.Column, p.Op, p.Literal)
	case PredAnd:
		return fmt.Sprintf("(%s AND %s)", predicateSig(p.Left), predicateSig(p.Right))
	case PredOr:
		return fmt.Sprintf("(%s OR %s)", predicateSig(p.Left), predicateSig(p.Right))
	default:
		return "?"
	}
}

func mapSig(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s->%s,", k, m[k])
	}
	return b.String()
}
