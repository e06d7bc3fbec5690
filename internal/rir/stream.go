package rir

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Stats summarises one pass over a feed.
type Stats struct {
	ParseStats
	Merged     int
	IPv4Blocks int
}

// Stream runs the parse/normalize pipeline over a byte source and delivers
// records through a bounded channel. When the consumer stops reading, the
// producer blocks on the full channel and resumes where it left off.
//
// IPv6 records are delivered as their lines are read. IPv4 records follow
// once the source reports EOF. A read error stops the pipeline before any
// IPv4 record is produced.
type Stream struct {
	records chan Record
	done    chan struct{}
	cancel  context.CancelFunc

	closeOnce sync.Once
	err       error
	stats     Stats
}

// NewStream starts the pipeline. The caller must either drain Records (or
// Next) until it is exhausted or call Close.
func NewStream(ctx context.Context, src io.Reader, opts ...Option) *Stream {
	o := newOptions(opts)
	ctx, cancel := context.WithCancel(ctx)

	s := &Stream{
		records: make(chan Record, o.buffer),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go s.run(ctx, src, o)
	return s
}

// Records returns the delivery channel. It is closed when the pipeline ends.
func (s *Stream) Records() <-chan Record {
	return s.records
}

// Next returns the next record, or false once the pipeline has ended.
func (s *Stream) Next() (Record, bool) {
	r, ok := <-s.records
	return r, ok
}

// Err waits for the producer to finish and returns the error that ended it,
// or nil after a clean end of input.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Stats waits for the producer to finish and returns its counters.
func (s *Stream) Stats() Stats {
	<-s.done
	return s.stats
}

// Close stops the producer. Records not yet delivered are dropped.
func (s *Stream) Close() {
	s.closeOnce.Do(s.cancel)
}

func (s *Stream) run(ctx context.Context, src io.Reader, o options) {
	defer close(s.done)
	defer close(s.records)
	defer s.cancel()

	s.err = s.produce(ctx, src, o)
	if s.err != nil && !errors.Is(s.err, context.Canceled) {
		o.logger.Debug("Feed pipeline stopped", "error", s.err, "lines", s.stats.Lines)
		return
	}
	o.logger.Debug("Feed pipeline finished",
		"lines", s.stats.Lines,
		"skipped", s.stats.Skipped,
		"ipv6", s.stats.IPv6,
		"staged", s.stats.Staged,
		"merged", s.stats.Merged,
		"ipv4_blocks", s.stats.IPv4Blocks,
	)
}

func (s *Stream) produce(ctx context.Context, src io.Reader, o options) error {
	p := newParser(o)
	defer func() { s.stats.ParseStats = p.Stats() }()

	buf := make([]byte, o.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := p.Write(buf[:n]); err != nil {
				return err
			}
			if err := s.forward(ctx, p.Pending()); err != nil {
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if err := p.Close(); err != nil {
		return err
	}
	if err := s.forward(ctx, p.Pending()); err != nil {
		return err
	}

	merged, err := normalize(ctx, p.TakeStaged(), func(r Record) error {
		if err := s.send(ctx, r); err != nil {
			return err
		}
		s.stats.IPv4Blocks++
		return nil
	}, o)
	s.stats.Merged = merged
	return err
}

func (s *Stream) forward(ctx context.Context, records []Record) error {
	for _, r := range records {
		if err := s.send(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) send(ctx context.Context, r Record) error {
	select {
	case s.records <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives a Stream to completion, pushing every record to emit. An error
// from emit stops the pipeline and is returned.
func Run(ctx context.Context, src io.Reader, emit func(Record) error, opts ...Option) (Stats, error) {
	s := NewStream(ctx, src, opts...)
	defer s.Close()

	for r := range s.Records() {
		if err := emit(r); err != nil {
			// the producer may still be blocked reading src, so don't wait for it
			s.Close()
			return Stats{}, err
		}
	}
	return s.Stats(), s.Err()
}

// Collect reads a whole feed and returns its records.
func Collect(ctx context.Context, src io.Reader, opts ...Option) ([]Record, error) {
	var out []Record
	_, err := Run(ctx, src, func(r Record) error {
		out = append(out, r)
		return nil
	}, opts...)
	return out, err
}
