package main

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/marko911/counter-pulse/internal/journal"
)

// filter selects entries by address and cause. Empty criteria match all.
type filter struct {
	address string
	causes  map[string]bool
}

func newFilter(address string, causes []string) filter {
	f := filter{address: strings.ToLower(strings.TrimSpace(address))}
	if len(causes) > 0 {
		f.causes = make(map[string]bool, len(causes))
		for _, c := range causes {
			f.causes[c] = true
		}
	}
	return f
}

func (f filter) match(e journal.Entry) bool {
	if f.address != "" && strings.ToLower(e.Address) != f.address {
		return false
	}
	if f.causes != nil && !f.causes[e.Cause] {
		return false
	}
	return true
}

type printer struct {
	enc    *json.Encoder
	filter filter
}

func newPrinter(w io.Writer, f filter) *printer {
	return &printer{enc: json.NewEncoder(w), filter: f}
}

// print writes e as one JSON line when it passes the filter.
func (p *printer) print(e journal.Entry) (bool, error) {
	if !p.filter.match(e) {
		return false, nil
	}
	if err := p.enc.Encode(e); err != nil {
		return false, err
	}
	return true, nil
}
