package storetest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/theory-cloud/txcore/pkg/store"
)

// evalExpr evaluates the small subset of the DynamoDB condition/filter
// expression language that internal/expr emits: AND/OR-joined
// comparisons, attribute_not_exists/attribute_exists,
// begins_with/contains, and BETWEEN, all referencing #name/:value
// placeholders. It is a pragmatic in-memory stand-in, not a general
// expression parser.
func evalExpr(exprStr string, item store.Item, names map[string]string, values map[string]any) (bool, error) {
	exprStr = strings.TrimSpace(exprStr)
	if exprStr == "" {
		return true, nil
	}
	p := &parser{s: exprStr, names: names, values: values, item: item}
	ok, err := p.parseOr()
	if err != nil {
		return false, err
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return false, fmt.Errorf("storetest: trailing input in expression %q", exprStr)
	}
	return ok, nil
}

type parser struct {
	s      string
	pos    int
	names  map[string]string
	values map[string]any
	item   store.Item
}

func (p *parser) skipSpace() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for {
		save := p.pos
		p.skipSpace()
		if p.consumeKeyword("OR") {
			right, err := p.parseAnd()
			if err != nil {
				return false, err
			}
			left = left || right
			continue
		}
		p.pos = save
		return left, nil
	}
}

func (p *parser) parseAnd() (bool, error) {
	left, err := p.parseUnary()
	if err != nil {
		return false, err
	}
	for {
		save := p.pos
		p.skipSpace()
		if p.consumeKeyword("AND") {
			right, err := p.parseUnary()
			if err != nil {
				return false, err
			}
			left = left && right
			continue
		}
		p.pos = save
		return left, nil
	}
}

func (p *parser) consumeKeyword(kw string) bool {
	if strings.HasPrefix(p.s[p.pos:], kw) {
		after := p.pos + len(kw)
		if after == len(p.s) || p.s[after] == ' ' || p.s[after] == '(' {
			p.pos = after
			return true
		}
	}
	return false
}

func (p *parser) parseUnary() (bool, error) {
	p.skipSpace()
	if p.pos < len(p.s) && p.s[p.pos] == '(' {
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		p.skipSpace()
		if p.pos >= len(p.s) || p.s[p.pos] != ')' {
			return false, fmt.Errorf("storetest: expected ')' in %q", p.s)
		}
		p.pos++
		return v, nil
	}

	if strings.HasPrefix(p.s[p.pos:], "attribute_not_exists(") {
		p.pos += len("attribute_not_exists(")
		name := p.parseName()
		if err := p.expect(')'); err != nil {
			return false, err
		}
		_, ok := p.item[name]
		return !ok, nil
	}
	if strings.HasPrefix(p.s[p.pos:], "attribute_exists(") {
		p.pos += len("attribute_exists(")
		name := p.parseName()
		if err := p.expect(')'); err != nil {
			return false, err
		}
		_, ok := p.item[name]
		return ok, nil
	}
	if strings.HasPrefix(p.s[p.pos:], "begins_with(") {
		p.pos += len("begins_with(")
		name := p.parseName()
		p.skipCommaSpace()
		val := p.parseValue()
		if err := p.expect(')'); err != nil {
			return false, err
		}
		sv, _ := p.item[name].(string)
		vv, _ := val.(string)
		return strings.HasPrefix(sv, vv), nil
	}
	if strings.HasPrefix(p.s[p.pos:], "contains(") {
		p.pos += len("contains(")
		name := p.parseName()
		p.skipCommaSpace()
		val := p.parseValue()
		if err := p.expect(')'); err != nil {
			return false, err
		}
		return containsValue(p.item[name], val), nil
	}

	name := p.parseName()
	p.skipSpace()
	if strings.HasPrefix(p.s[p.pos:], "BETWEEN") {
		p.pos += len("BETWEEN")
		p.skipSpace()
		lo := p.parseValue()
		p.skipSpace()
		if !p.consumeKeyword("AND") {
			return false, fmt.Errorf("storetest: expected AND in BETWEEN")
		}
		p.skipSpace()
		hi := p.parseValue()
		return compare(p.item[name], lo) >= 0 && compare(p.item[name], hi) <= 0, nil
	}

	op := p.parseOp()
	p.skipSpace()
	val := p.parseValue()
	cmp := compare(p.item[name], val)
	switch op {
	case "=":
		return cmp == 0, nil
	case "<>":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	default:
		return false, fmt.Errorf("storetest: unsupported operator %q", op)
	}
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.s) || p.s[p.pos] != c {
		return fmt.Errorf("storetest: expected %q in %q at %d", string(c), p.s, p.pos)
	}
	p.pos++
	return nil
}

func (p *parser) skipCommaSpace() {
	p.skipSpace()
	if p.pos < len(p.s) && p.s[p.pos] == ',' {
		p.pos++
	}
	p.skipSpace()
}

func (p *parser) parseName() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] == '#' {
		p.pos++
	}
	for p.pos < len(p.s) && isIdentChar(p.s[p.pos]) {
		p.pos++
	}
	sym := p.s[start:p.pos]
	if name, ok := p.names[sym]; ok {
		return name
	}
	return sym
}

func (p *parser) parseValue() any {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] == ':' {
		p.pos++
	}
	for p.pos < len(p.s) && isIdentChar(p.s[p.pos]) {
		p.pos++
	}
	sym := p.s[start:p.pos]
	return p.values[sym]
}

func (p *parser) parseOp() string {
	p.skipSpace()
	for _, op := range []string{"<>", "<=", ">=", "=", "<", ">"} {
		if strings.HasPrefix(p.s[p.pos:], op) {
			p.pos += len(op)
			return op
		}
	}
	return ""
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func compare(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, _ := needle.(string)
		return strings.Contains(h, s)
	case []any:
		for _, v := range h {
			if compare(v, needle) == 0 {
				return true
			}
		}
	}
	return false
}
