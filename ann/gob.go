package ann

import (
	"bytes"
	"encoding/gob"
)

// Compile time checks to ensure hnswGraph satisfies the gob interfaces.
var (
	_ gob.GobEncoder = (*hnswGraph)(nil)
	_ gob.GobDecoder = (*hnswGraph)(nil)
)

// gobGraphOptions is the persisted subset of graphOptions. The distance
// function is not serializable and is restored from the index config.
type gobGraphOptions struct {
	M              int
	EFConstruction int
	Heuristic      bool
	Seed           int64
}

// GobEncode serializes the graph into its native byte form.
func (h *hnswGraph) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	encoder := gob.NewEncoder(&buf)

	if err := encoder.Encode(h.dimension); err != nil {
		return nil, err
	}

	if err := encoder.Encode(h.ml); err != nil {
		return nil, err
	}

	if err := encoder.Encode(h.ep); err != nil {
		return nil, err
	}

	if err := encoder.Encode(h.maxLevel); err != nil {
		return nil, err
	}

	if err := encoder.Encode(h.nodes); err != nil {
		return nil, err
	}

	opts := gobGraphOptions{
		M:              h.opts.M,
		EFConstruction: h.opts.EFConstruction,
		Heuristic:      h.opts.Heuristic,
		Seed:           h.opts.Seed,
	}
	if err := encoder.Encode(opts); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// GobDecode restores the graph from its native byte form.
func (h *hnswGraph) GobDecode(data []byte) error {
	decoder := gob.NewDecoder(bytes.NewBuffer(data))

	if err := decoder.Decode(&h.dimension); err != nil {
		return err
	}

	if err := decoder.Decode(&h.ml); err != nil {
		return err
	}

	if err := decoder.Decode(&h.ep); err != nil {
		return err
	}

	if err := decoder.Decode(&h.maxLevel); err != nil {
		return err
	}

	if err := decoder.Decode(&h.nodes); err != nil {
		return err
	}

	var opts gobGraphOptions
	if err := decoder.Decode(&opts); err != nil {
		return err
	}

	h.opts.M = opts.M
	h.opts.EFConstruction = opts.EFConstruction
	h.opts.Heuristic = opts.Heuristic
	h.opts.Seed = opts.Seed

	h.mmax = h.opts.M
	h.mmax0 = 2 * h.opts.M

	return nil
}
