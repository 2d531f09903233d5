package epgquery

import (
	"encoding/json"

	"github.com/plexbridge/tuner/internal/store"
)

// These helpers give the cache (which only deals in raw bytes) a concrete
// JSON encoding for the value shapes this package memoizes: EPGProgram and
// []EPGProgram.

func encodeProgram(p store.EPGProgram) []byte {
	b, _ := json.Marshal(p)
	return b
}

func decodeProgram(raw []byte) (store.EPGProgram, bool) {
	var p store.EPGProgram
	if err := json.Unmarshal(raw, &p); err != nil {
		return store.EPGProgram{}, false
	}
	return p, true
}

func encodeProgramList(progs []store.EPGProgram) []byte {
	b, _ := json.Marshal(progs)
	return b
}

func decodeProgramList(raw []byte) ([]store.EPGProgram, bool) {
	var progs []store.EPGProgram
	if err := json.Unmarshal(raw, &progs); err != nil {
		return nil, false
	}
	return progs, true
}
