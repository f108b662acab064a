package network

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSpec builds a layer from a topology string over ni input features.
// It understands dropout tokens ("Dr0.5") and bracketed series of them
// ("[Dr0.5Dr0.25]"); whitespace between tokens is ignored.
func ParseSpec(spec string, ni int) (Layer, error) {
	p := &specParser{src: spec}
	l, err := p.parseLayer(ni)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("trailing input %q", p.src[p.pos:])
	}
	return l, nil
}

type specParser struct {
	src     string
	pos     int
	dropout int
	series  int
}

func (p *specParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrInvalidSpec, p.pos, fmt.Sprintf(format, args...))
}

func (p *specParser) skipSpace() {
	for p.pos < len(p.src) && strings.ContainsRune(" \t\r\n", rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *specParser) parseLayer(ni int) (Layer, error) {
	p.skipSpace()
	rest := p.src[p.pos:]
	switch {
	case strings.HasPrefix(rest, "["):
		return p.parseSeries(ni)
	case strings.HasPrefix(rest, "Dr"):
		return p.parseDropout(ni)
	case rest == "":
		return nil, p.errorf("unexpected end of spec")
	default:
		return nil, p.errorf("unknown layer token %q", rest)
	}
}

func (p *specParser) parseSeries(ni int) (Layer, error) {
	p.pos++ // '['
	name := fmt.Sprintf("series%d", p.series)
	p.series++

	var layers []Layer
	width := ni
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, p.errorf("unterminated series")
		}
		if p.src[p.pos] == ']' {
			p.pos++
			break
		}
		l, err := p.parseLayer(width)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
		width = l.NumOutputs()
	}
	if len(layers) == 0 {
		return nil, p.errorf("empty series")
	}
	return NewSeries(name, layers...)
}

func (p *specParser) parseDropout(ni int) (Layer, error) {
	p.pos += len("Dr")
	start := p.pos
	for p.pos < len(p.src) && strings.ContainsRune("0123456789.eE+-", rune(p.src[p.pos])) {
		p.pos++
	}
	num := p.src[start:p.pos]
	rate, err := strconv.ParseFloat(num, 32)
	if err != nil {
		return nil, p.errorf("bad dropout rate %q", num)
	}
	name := fmt.Sprintf("dropout%d", p.dropout)
	p.dropout++
	l, err := NewDropoutLayer(name, ni, float32(rate))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return l, nil
}
