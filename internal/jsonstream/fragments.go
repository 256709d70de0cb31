package jsonstream

import "io"

// FragmentStream yields raw text fragments from a model response. Recv
// returns io.EOF once the response is complete.
type FragmentStream interface {
	Recv() (string, error)
	Close() error
}

type sliceStream struct {
	fragments []string
}

// FromStrings returns a FragmentStream that replays the given fragments.
func FromStrings(fragments ...string) FragmentStream {
	return &sliceStream{fragments: fragments}
}

// FromText returns a FragmentStream holding a single fragment.
func FromText(text string) FragmentStream {
	return FromStrings(text)
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.fragments) == 0 {
		return "", io.EOF
	}
	next := s.fragments[0]
	s.fragments = s.fragments[1:]
	return next, nil
}

func (s *sliceStream) Close() error {
	s.fragments = nil
	return nil
}
