package queryir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// DomainQuery prefixes fingerprint input so query hashes never collide
// with hashes of other content.
const DomainQuery = "massmailer/query/v1"

// Fingerprint returns a stable hash of the compiled query. Two compiles of
// the same text against the same registry have the same fingerprint.
func Fingerprint(q *CompiledQuery) (string, error) {
	data, err := MarshalCanonical(q)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(DomainQuery))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MarshalCanonical renders the compiled query as canonical JSON: object
// keys sorted, strings NFC normalized, no HTML escaping. Floats are
// written as {"float":"<shortest repr>"} so equal values always encode
// identically.
func MarshalCanonical(q *CompiledQuery) ([]byte, error) {
	if q == nil {
		return nil, fmt.Errorf("nil query")
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, treeOfQuery(q)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type object = map[string]any

func treeOfQuery(q *CompiledQuery) object {
	anns := make([]any, len(q.Annotations))
	for i, a := range q.Annotations {
		anns[i] = object{"name": a.Name, "expr": treeOfExpr(a.Expr)}
	}
	aliases := make([]any, len(q.Aliases))
	for i, a := range q.Aliases {
		o := object{"name": a.Name, "kind": a.Kind.String(), "hops": treeOfHops(a.Hops)}
		if a.Column != nil {
			o["column"] = treeOfExpr(a.Column)
		}
		if a.Target != nil {
			o["target"] = treeOfEntity(*a.Target)
		}
		aliases[i] = o
	}
	return object{
		"root":        treeOfEntity(q.Root),
		"label":       q.Label,
		"filter":      treeOfPredicate(q.Filter),
		"annotations": anns,
		"aliases":     aliases,
		"recipient": object{
			"alias":   q.Recipient.Alias,
			"hops":    treeOfHops(q.Recipient.Hops),
			"entity":  treeOfEntity(q.Recipient.Entity),
			"address": q.Recipient.Address,
		},
	}
}

func treeOfEntity(e EntityRef) object {
	cols := make([]any, len(e.Columns))
	for i, c := range e.Columns {
		cols[i] = []any{c.Key, c.Column}
	}
	return object{"name": e.Name, "table": e.Table, "columns": cols}
}

func treeOfHops(hops []Hop) []any {
	out := make([]any, len(hops))
	for i, h := range hops {
		out[i] = object{"field": h.Field, "many": h.Many, "entity": h.Entity, "table": h.Table, "column": h.Column}
	}
	return out
}

func treeOfPredicate(p Predicate) any {
	switch pred := p.(type) {
	case nil:
		return nil
	case *Compare:
		return object{"compare": string(pred.Op), "left": treeOfExpr(pred.Left), "right": treeOfExpr(pred.Right), "nocase": pred.NoCase}
	case *Range:
		return object{"range": treeOfExpr(pred.Expr), "low": treeOfExpr(pred.Low), "high": treeOfExpr(pred.High)}
	case *IsNull:
		return object{"isnull": treeOfExpr(pred.Expr)}
	case *Text:
		return object{"text": string(pred.Op), "expr": treeOfExpr(pred.Expr), "pattern": pred.Pattern, "nocase": pred.NoCase}
	case *And:
		return object{"and": treeOfPredicates(pred.Predicates)}
	case *Or:
		return object{"or": treeOfPredicates(pred.Predicates)}
	case *Not:
		return object{"not": treeOfPredicate(pred.Predicate)}
	default:
		return object{"unknown": fmt.Sprintf("%T", p)}
	}
}

func treeOfPredicates(ps []Predicate) []any {
	out := make([]any, len(ps))
	for i, p := range ps {
		out[i] = treeOfPredicate(p)
	}
	return out
}

func treeOfExpr(e Expr) any {
	switch expr := e.(type) {
	case nil:
		return nil
	case *Column:
		return object{"column": expr.Column, "field": expr.Field, "type": string(expr.Type), "hops": treeOfHops(expr.Hops)}
	case *Annotation:
		return object{"annotation": expr.Name}
	case *Literal:
		return object{"literal": expr.Value}
	case *Arith:
		return object{"arith": expr.Op, "left": treeOfExpr(expr.Left), "right": treeOfExpr(expr.Right)}
	case *Negate:
		return object{"negate": treeOfExpr(expr.Operand)}
	case *Call:
		args := make([]any, len(expr.Args))
		for i, a := range expr.Args {
			args[i] = treeOfExpr(a)
		}
		return object{"call": expr.Func, "sql": expr.SQL, "aggregate": expr.Aggregate, "args": args}
	default:
		return object{"unknown": fmt.Sprintf("%T", e)}
	}
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("non-finite float %v", val)
		}
		return writeCanonical(buf, object{"float": strconv.FormatFloat(val, 'g', -1, 64)})
	case string:
		return writeCanonicalString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case object:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("value for key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}
