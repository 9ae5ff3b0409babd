package prompt

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator approximates the generation-unit size of a piece of text.
// Assembly never calls the backend to measure.
type Estimator interface {
	Estimate(text string) int
}

// CharEstimator divides character length by a fixed divisor.
type CharEstimator struct {
	Divisor int
}

func (e CharEstimator) Estimate(text string) int {
	d := e.Divisor
	if d <= 0 {
		d = 4
	}
	return (len(text) + d - 1) / d
}

// TiktokenEstimator counts BPE tokens with a local encoding table.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (e *TiktokenEstimator) Estimate(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

// NewEstimator builds the estimator named in config; "chars" is the
// default and never fails.
func NewEstimator(kind string) (Estimator, error) {
	switch kind {
	case "", "chars":
		return CharEstimator{Divisor: 4}, nil
	case "tiktoken":
		return NewTiktokenEstimator("")
	default:
		return nil, fmt.Errorf("unknown estimator %q", kind)
	}
}
