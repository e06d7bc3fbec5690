package rir

import (
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

const (
	fieldCountry = 1
	fieldType    = 2
	fieldStart   = 3
	fieldValue   = 4
	fieldStatus  = 6
	minFields    = 7
)

// ParseStats counts what the parser did with the lines it saw.
type ParseStats struct {
	Lines   int
	Skipped int
	IPv6    int
	Staged  int
}

// Parser turns feed text into IPv6 records and staged IPv4 intervals.
//
// Write accepts chunks of any size; a line split across chunks is buffered
// until its newline arrives. IPv6 records become available through Pending as
// soon as their line is complete, IPv4 intervals accumulate until Close and
// are then handed to the normalizer with TakeStaged.
type Parser struct {
	codec   Codec
	partial []byte
	staged  []Interval
	pending []Record
	stats   ParseStats
	err     error
	closed  bool
}

// NewParser returns an empty parser.
func NewParser(opts ...Option) *Parser {
	o := newOptions(opts)
	return newParser(o)
}

func newParser(o options) *Parser {
	return &Parser{codec: o.codec}
}

// Write feeds a chunk of raw feed bytes. It implements io.Writer. Once a
// fatal line error has been returned every later call returns it again.
func (p *Parser) Write(chunk []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.closed {
		return 0, ErrParserClosed
	}

	total := len(chunk)
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			p.partial = append(p.partial, chunk...)
			break
		}

		var line string
		if len(p.partial) > 0 {
			p.partial = append(p.partial, chunk[:i]...)
			line = string(p.partial)
			p.partial = p.partial[:0]
		} else {
			line = string(chunk[:i])
		}
		chunk = chunk[i+1:]

		if err := p.parseLine(line); err != nil {
			p.err = err
			return total - len(chunk), err
		}
	}
	return total, nil
}

// Close parses any buffered partial line as a complete line. Writes after
// Close fail with ErrParserClosed.
func (p *Parser) Close() error {
	if p.err != nil {
		return p.err
	}
	if p.closed {
		return nil
	}
	p.closed = true

	if len(p.partial) == 0 {
		return nil
	}
	line := string(p.partial)
	p.partial = nil
	if err := p.parseLine(line); err != nil {
		p.err = err
		return err
	}
	return nil
}

// Pending drains the IPv6 records produced so far, in feed order.
func (p *Parser) Pending() []Record {
	if len(p.pending) == 0 {
		return nil
	}
	out := p.pending
	p.pending = nil
	return out
}

// TakeStaged hands over the staged IPv4 intervals and clears the parser's copy.
func (p *Parser) TakeStaged() []Interval {
	out := p.staged
	p.staged = nil
	return out
}

// Stats returns line counters accumulated so far.
func (p *Parser) Stats() ParseStats {
	return p.stats
}

func (p *Parser) parseLine(line string) error {
	p.stats.Lines++
	line = strings.TrimSuffix(line, "\r")

	fields := strings.Split(line, "|")
	if len(fields) < minFields {
		p.skip(line)
		return nil
	}

	kind := Kind(fields[fieldType])
	if kind != KindIPv4 && kind != KindIPv6 {
		p.skip(line)
		return nil
	}

	switch fields[fieldStatus] {
	case "assigned", "allocated":
	default:
		p.skip(line)
		return nil
	}

	country := fields[fieldCountry]
	if country == "" {
		p.skip(line)
		return nil
	}

	if kind == KindIPv6 {
		return p.parseIPv6(line, country, fields[fieldStart], fields[fieldValue])
	}
	return p.parseIPv4(line, country, fields[fieldStart], fields[fieldValue])
}

func (p *Parser) parseIPv6(line, country, prefix, length string) error {
	addr, err := netip.ParseAddr(prefix)
	if err != nil || !addr.Is6() {
		return p.lineError(line, fmt.Errorf("%w: %q", ErrMalformedAddress, prefix))
	}
	bits, err := strconv.Atoi(length)
	if err != nil || bits < 0 || bits > 128 {
		return p.lineError(line, fmt.Errorf("%w: prefix length %q", ErrMalformedCount, length))
	}

	p.pending = append(p.pending, Record{
		CIDR:    prefix + "/" + length,
		Kind:    KindIPv6,
		Country: country,
	})
	p.stats.IPv6++
	return nil
}

func (p *Parser) parseIPv4(line, country, start, count string) error {
	first, err := p.codec.ParseIPv4(start)
	if err != nil {
		return p.lineError(line, fmt.Errorf("%w: %q: %v", ErrMalformedAddress, start, err))
	}
	n, err := strconv.ParseUint(count, 10, 64)
	if err != nil {
		return p.lineError(line, fmt.Errorf("%w: %q", ErrMalformedCount, count))
	}
	if n > addressSpace {
		n = addressSpace
	}

	p.staged = append(p.staged, Interval{
		Start:   first,
		End:     uint64(first) + n,
		Country: country,
	})
	p.stats.Staged++
	return nil
}

func (p *Parser) skip(line string) {
	if line != "" {
		p.stats.Skipped++
	}
}

func (p *Parser) lineError(line string, err error) error {
	return &LineError{Line: p.stats.Lines, Text: line, Err: err}
}
