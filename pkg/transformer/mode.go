// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformer

import "github.com/pkg/errors"

// Mode of a forward pass.
type Mode int

const (
	// Inference disables dropout and the importance loss.
	Inference Mode = iota

	// Train enables dropout, and the importance loss of the propagation strategy.
	Train
)

// IsTraining returns whether the mode is Train.
func (m Mode) IsTraining() bool { return m == Train }

func (m Mode) String() string {
	switch m {
	case Inference:
		return "inference"
	case Train:
		return "train"
	}
	return "Mode(?)"
}

// ParseMode converts "train" or "inference" to a Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "inference", "eval":
		return Inference, nil
	case "train":
		return Train, nil
	}
	return Inference, errors.Errorf("unknown mode %q, valid values are \"train\" or \"inference\"", name)
}
