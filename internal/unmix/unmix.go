// Package unmix applies a spectral unmixing matrix to detector columns.
package unmix

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/spectraflow/server/internal/membership"
)

// ErrShape is returned when a matrix does not match its channel lists.
var ErrShape = errors.New("unmixing matrix shape mismatch")

// Matrix maps detector intensities to fluorophore abundances:
// unmixed = raw · M, with M of shape detectors × fluorophores.
type Matrix struct {
	Detectors    []string
	Fluorophores []string
	m            *mat.Dense
}

// New wraps a detectors × fluorophores coefficient table.
func New(detectors, fluorophores []string, coeffs [][]float64) (*Matrix, error) {
	if len(coeffs) != len(detectors) {
		return nil, fmt.Errorf("%w: %d rows for %d detectors", ErrShape, len(coeffs), len(detectors))
	}
	if len(fluorophores) == 0 {
		return nil, fmt.Errorf("%w: no fluorophores", ErrShape)
	}
	data := make([]float64, 0, len(detectors)*len(fluorophores))
	for i, row := range coeffs {
		if len(row) != len(fluorophores) {
			return nil, fmt.Errorf("%w: row %d has %d values for %d fluorophores", ErrShape, i, len(row), len(fluorophores))
		}
		data = append(data, row...)
	}
	return &Matrix{
		Detectors:    append([]string(nil), detectors...),
		Fluorophores: append([]string(nil), fluorophores...),
		m:            mat.NewDense(len(detectors), len(fluorophores), data),
	}, nil
}

// Identity passes each detector through as its own fluorophore.
func Identity(detectors []string) *Matrix {
	n := len(detectors)
	d := mat.NewDense(max(n, 1), max(n, 1), nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return &Matrix{
		Detectors:    append([]string(nil), detectors...),
		Fluorophores: append([]string(nil), detectors...),
		m:            d,
	}
}

// FromSpectra derives the ordinary least squares unmixing matrix from
// reference spectra, one row per fluorophore over the detectors:
// M = Sᵀ (S Sᵀ)⁻¹.
func FromSpectra(detectors, fluorophores []string, spectra [][]float64) (*Matrix, error) {
	if len(spectra) != len(fluorophores) {
		return nil, fmt.Errorf("%w: %d spectra for %d fluorophores", ErrShape, len(spectra), len(fluorophores))
	}
	data := make([]float64, 0, len(fluorophores)*len(detectors))
	for i, row := range spectra {
		if len(row) != len(detectors) {
			return nil, fmt.Errorf("%w: spectrum %d has %d values for %d detectors", ErrShape, i, len(row), len(detectors))
		}
		data = append(data, row...)
	}
	s := mat.NewDense(len(fluorophores), len(detectors), data)

	var gram mat.Dense
	gram.Mul(s, s.T())
	var inv mat.Dense
	if err := inv.Inverse(&gram); err != nil {
		return nil, fmt.Errorf("failed to invert spectra gram matrix: %w", err)
	}
	var m mat.Dense
	m.Mul(s.T(), &inv)
	return &Matrix{
		Detectors:    append([]string(nil), detectors...),
		Fluorophores: append([]string(nil), fluorophores...),
		m:            &m,
	}, nil
}

// Coefficients returns the matrix as rows per detector.
func (u *Matrix) Coefficients() [][]float64 {
	out := make([][]float64, len(u.Detectors))
	for i := range out {
		out[i] = make([]float64, len(u.Fluorophores))
		for j := range out[i] {
			out[i][j] = u.m.At(i, j)
		}
	}
	return out
}

// Apply returns a new batch: columns that are not detectors pass through,
// detector columns are replaced by one column per fluorophore. The input
// batch is not modified.
func (u *Matrix) Apply(b membership.Batch) (membership.Batch, error) {
	n := b.N
	cols := make(map[string][]float64)
	isDetector := make(map[string]bool, len(u.Detectors))
	for _, d := range u.Detectors {
		isDetector[d] = true
	}
	for _, name := range b.Names() {
		if !isDetector[name] {
			c, _ := b.Column(name)
			cols[name] = c
		}
	}

	if n > 0 && len(u.Detectors) > 0 {
		raw := mat.NewDense(n, len(u.Detectors), nil)
		for j, d := range u.Detectors {
			c, ok := b.Column(d)
			if !ok {
				return membership.Batch{}, fmt.Errorf("%w: detector %q not in data", ErrShape, d)
			}
			raw.SetCol(j, c)
		}
		var out mat.Dense
		out.Mul(raw, u.m)
		for j, f := range u.Fluorophores {
			col := make([]float64, n)
			mat.Col(col, j, &out)
			cols[f] = col
		}
	} else {
		for _, f := range u.Fluorophores {
			cols[f] = make([]float64, n)
		}
	}
	return membership.NewBatchColumns(n, cols)
}

// Columns lists the output channel names for the given input columns.
func (u *Matrix) Columns(input []string) []string {
	isDetector := make(map[string]bool, len(u.Detectors))
	for _, d := range u.Detectors {
		isDetector[d] = true
	}
	var out []string
	for _, c := range input {
		if !isDetector[c] {
			out = append(out, c)
		}
	}
	return append(out, u.Fluorophores...)
}
